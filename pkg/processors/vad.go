package processors

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/vad"
	"github.com/ariavoice/aria/pkg/errorsx"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/metrics"
	"github.com/ariavoice/aria/pkg/pipeline"
	"github.com/ariavoice/aria/pkg/turn"
)

// VADProcessor runs the voice-activity detector over inbound audio and
// emits speech_started/speech_ended control frames on transitions. Audio
// passes through unchanged. The turn manager, when set, receives every
// VAD observation.
type VADProcessor struct {
	mu       sync.Mutex
	detector vad.Detector
	manager  turn.Manager
	obs      metrics.Observer

	windowBytes int
	buf         []byte
	speaking    bool
	streamID    string
	meta        map[string]string
}

func NewVADProcessor(detector vad.Detector, windowSamples int) *VADProcessor {
	if windowSamples <= 0 {
		windowSamples = 512
	}
	return &VADProcessor{
		detector:    detector,
		windowBytes: windowSamples * 2,
	}
}

func (p *VADProcessor) Name() string { return "vad_processor" }

func (p *VADProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *VADProcessor) SetTurnManager(m turn.Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manager = m
}

func (p *VADProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		if sf.Name() == frames.SystemSessionEnd {
			p.mu.Lock()
			p.buf = nil
			p.speaking = false
			if p.detector != nil {
				p.detector.Reset()
			}
			p.mu.Unlock()
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindAudio {
		return []frames.Frame{f}, nil
	}
	af := f.(frames.AudioFrame)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detector == nil {
		return []frames.Frame{f}, nil
	}
	meta := af.Meta()
	p.streamID = meta[frames.MetaStreamID]
	p.meta = meta
	p.buf = append(p.buf, af.RawPayload()...)

	out := []frames.Frame{f}
	for len(p.buf) >= p.windowBytes {
		window := p.buf[:p.windowBytes]
		p.buf = p.buf[p.windowBytes:]
		decision, err := p.detector.Process(window)
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonVADInfer)
			slog.Error("vad_infer_error", "stream_id", p.streamID,
				"reason_code", string(errorsx.Reason(err)), "error", err.Error())
			continue
		}
		now := time.Now()
		if p.manager != nil {
			p.manager.OnVADState(decision.Speech, now)
		}
		if decision.Speech != p.speaking {
			p.speaking = decision.Speech
			code := frames.ControlSpeechEnded
			if decision.Speech {
				code = frames.ControlSpeechStarted
			}
			cm := map[string]string{frames.MetaSource: "vad"}
			for _, k := range []string{frames.MetaRoom, frames.MetaParticipant, frames.MetaTraceID} {
				if v := meta[k]; v != "" {
					cm[k] = v
				}
			}
			out = append(out, frames.NewControlFrame(p.streamID, now.UnixNano(), code, cm))
			p.recordTransition(decision, cm)
		}
	}
	return out, nil
}

func (p *VADProcessor) recordTransition(d vad.Decision, tags map[string]string) {
	if p.obs == nil {
		return
	}
	name := "vad_speech_end"
	if d.Speech {
		name = "vad_speech_start"
	}
	t := map[string]string{"component": "vad", "detector": p.detector.Name()}
	for k, v := range tags {
		t[k] = v
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: d.Probability,
		Tags:  t,
	})
}

var _ pipeline.FrameProcessor = (*VADProcessor)(nil)
