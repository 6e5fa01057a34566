package processors

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/pipeline"
	"github.com/ariavoice/aria/pkg/turn"
)

// TurnGateProcessor sits between STT and the LLM. It accumulates final
// transcripts for the current user turn and releases one utterance frame
// when the turn detector declares the turn complete, so the LLM answers
// whole thoughts rather than transcript fragments.
type TurnGateProcessor struct {
	mu       sync.Mutex
	manager  turn.Manager
	pending  []string
	streamID string
	meta     map[string]string
	emit     func(frames.Frame) error
	recheck  time.Duration
	timer    *time.Timer
}

func NewTurnGateProcessor(manager turn.Manager) *TurnGateProcessor {
	return &TurnGateProcessor{manager: manager, recheck: 200 * time.Millisecond}
}

func (p *TurnGateProcessor) Name() string { return "turn_gate" }

// SetEmitter lets the gate wake itself with a turn_check control after the
// silence window elapses. Without it the detector is only polled when a new
// frame happens to arrive, which during silence is never.
func (p *TurnGateProcessor) SetEmitter(emit func(frames.Frame) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit = emit
}

// SetRecheckInterval sets the delay before the gate re-polls the detector.
// Pick the silence window plus a small margin.
func (p *TurnGateProcessor) SetRecheckInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recheck = d
}

func (p *TurnGateProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	now := time.Now()
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlSpeechStarted:
			if p.manager != nil {
				p.manager.OnSTTInput(time.Second)
			}
			return []frames.Frame{f}, nil
		case frames.ControlSpeechEnded:
			if out := p.maybeRelease(now); out != nil {
				return append(out, f), nil
			}
			p.scheduleRecheck()
			return []frames.Frame{f}, nil
		case frames.ControlTurnCheck:
			// Self-scheduled wakeup; consume it either way.
			if out := p.maybeRelease(now); out != nil {
				return out, nil
			}
			p.scheduleRecheck()
			return nil, nil
		case frames.ControlEndOfTurn:
			// Provider-signalled end of turn short-circuits the detector.
			if out := p.release(now); out != nil {
				return out, nil
			}
			return nil, nil
		}
		return []frames.Frame{f}, nil
	case frames.KindText:
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaSource] != "" && meta[frames.MetaSource] != "stt" {
			return []frames.Frame{f}, nil
		}
		final := meta[frames.MetaIsFinal] == "true"
		if p.manager != nil {
			p.manager.OnTranscript(tf.Text(), final, now)
		}
		if !final {
			return nil, nil
		}
		p.mu.Lock()
		p.pending = append(p.pending, strings.TrimSpace(tf.Text()))
		p.streamID = meta[frames.MetaStreamID]
		p.meta = meta
		p.mu.Unlock()
		if out := p.maybeRelease(now); out != nil {
			return out, nil
		}
		p.scheduleRecheck()
		return nil, nil
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == frames.SystemSessionEnd {
			p.mu.Lock()
			p.pending = nil
			p.stopTimerLocked()
			p.mu.Unlock()
		}
		return []frames.Frame{f}, nil
	default:
		return []frames.Frame{f}, nil
	}
}

func (p *TurnGateProcessor) maybeRelease(now time.Time) []frames.Frame {
	if p.manager == nil || !p.manager.EndOfTurn(now) {
		return nil
	}
	return p.release(now)
}

func (p *TurnGateProcessor) scheduleRecheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.emit == nil || len(p.pending) == 0 {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	streamID := p.streamID
	src := p.meta
	emit := p.emit
	p.timer = time.AfterFunc(p.recheck, func() {
		meta := map[string]string{frames.MetaSource: "turn_gate"}
		for _, k := range []string{frames.MetaRoom, frames.MetaParticipant, frames.MetaTraceID} {
			if src != nil && src[k] != "" {
				meta[k] = src[k]
			}
		}
		_ = emit(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlTurnCheck, meta))
	})
}

func (p *TurnGateProcessor) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *TurnGateProcessor) release(now time.Time) []frames.Frame {
	p.mu.Lock()
	utterance := strings.TrimSpace(strings.Join(p.pending, " "))
	streamID := p.streamID
	meta := p.meta
	p.pending = nil
	p.stopTimerLocked()
	p.mu.Unlock()
	if utterance == "" {
		return nil
	}
	if p.manager != nil {
		p.manager.OnUserSpeechEnd()
	}
	out := map[string]string{
		frames.MetaSource:  "turn",
		frames.MetaIsFinal: "true",
	}
	for _, k := range []string{frames.MetaRoom, frames.MetaParticipant, frames.MetaTraceID} {
		if meta != nil && meta[k] != "" {
			out[k] = meta[k]
		}
	}
	slog.Debug("turn_complete", "stream_id", streamID, "chars", len(utterance))
	return []frames.Frame{frames.NewTextFrame(streamID, now.UnixNano(), utterance, out)}
}

var _ pipeline.FrameProcessor = (*TurnGateProcessor)(nil)
