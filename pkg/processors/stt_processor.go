package processors

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/stt"
	"github.com/ariavoice/aria/pkg/errorsx"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/metrics"
	"github.com/ariavoice/aria/pkg/pipeline"
	"github.com/ariavoice/aria/pkg/redact"
)

// errStreamUnavailable marks a stream whose provider connection already
// failed once. Frames arriving afterwards are dropped instead of triggering
// reconnect attempts.
var errStreamUnavailable = errors.New("stream unavailable after connect failure")

// STTProcessor forwards inbound audio to the streaming STT session and
// drains its transcription frames into the pipeline. One processor per
// session; the underlying STT stream is connected at session bootstrap and
// handed over via Adopt, and torn down on session end.
type STTProcessor struct {
	mu             sync.Mutex
	sessions       map[string]stt.StreamingSTT
	factory        func(room, streamID string) stt.StreamingSTT
	ctx            context.Context
	obs            metrics.Observer
	room           map[string]string
	trace          map[string]string
	interimLogged  map[string]bool
	failed         map[string]bool
	forwardInterim bool
	provider       string
}

func NewSTTProcessor(factory func(room, streamID string) stt.StreamingSTT) *STTProcessor {
	return &STTProcessor{
		sessions:      make(map[string]stt.StreamingSTT),
		factory:       factory,
		room:          make(map[string]string),
		trace:         make(map[string]string),
		interimLogged: make(map[string]bool),
		failed:        make(map[string]bool),
	}
}

// Adopt registers an already-started transcription session created during
// session bootstrap.
func (p *STTProcessor) Adopt(streamID, room string, sess stt.StreamingSTT) {
	if streamID == "" || sess == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if room != "" {
		p.room[streamID] = room
	}
	p.sessions[streamID] = sess
	if p.provider == "" {
		p.provider = sess.Name()
	}
	delete(p.failed, streamID)
}

// SetForwardInterim toggles emitting interim text frames downstream.
func (p *STTProcessor) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardInterim = enabled
}

func (p *STTProcessor) Name() string { return "stt_processor" }

func (p *STTProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *STTProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *STTProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		if sf.Name() == frames.SystemSessionEnd {
			streamID := sf.Meta()[frames.MetaStreamID]
			if streamID == "" {
				p.CloseAll()
			} else {
				p.CloseStream(streamID)
			}
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindAudio {
		return []frames.Frame{f}, nil
	}
	af := f.(frames.AudioFrame)
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	room := meta[frames.MetaRoom]
	if v := meta[frames.MetaTraceID]; v != "" {
		p.setTrace(streamID, v)
	}
	p.setRoom(streamID, room)

	sttSession, err := p.getOrCreate(streamID, room)
	if err != nil {
		if errors.Is(err, errStreamUnavailable) {
			frames.ReleaseAudioFrame(f)
			return nil, nil
		}
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		slog.Error("stt_session_error", "stream_id", streamID, "room", room,
			"reason_code", string(errorsx.Reason(err)), "error", err.Error())
		frames.ReleaseAudioFrame(f)
		return nil, err
	}
	p.setProviderFromSession(sttSession)
	p.record("stt_audio_in", streamID)
	if err := sttSession.SendAudio(af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
		slog.Error("stt_send_error", "stream_id", streamID, "room", room,
			"reason_code", string(errorsx.Reason(err)), "error", err.Error())
		frames.ReleaseAudioFrame(f)
		return nil, err
	}
	frames.ReleaseAudioFrame(f)

	out := p.drainResults(sttSession.Results(), streamID)
	for _, e := range out {
		if e.Kind() == frames.KindText && e.Meta()[frames.MetaIsFinal] == "true" {
			p.record("stt_final", streamID)
			break
		}
	}
	return out, nil
}

func (p *STTProcessor) getOrCreate(streamID, room string) (stt.StreamingSTT, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sttSession, ok := p.sessions[streamID]; ok {
		return sttSession, nil
	}
	if p.failed[streamID] {
		return nil, errStreamUnavailable
	}
	sttSession := p.factory(room, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := sttSession.Start(p.ctx); err != nil {
		p.failed[streamID] = true
		return nil, err
	}
	p.sessions[streamID] = sttSession
	return sttSession, nil
}

func (p *STTProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sttSession, ok := p.sessions[streamID]; ok {
		_ = sttSession.Close()
		delete(p.sessions, streamID)
	}
	delete(p.room, streamID)
	delete(p.trace, streamID)
	delete(p.interimLogged, streamID)
	delete(p.failed, streamID)
}

func (p *STTProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sttSession := range p.sessions {
		_ = sttSession.Close()
		delete(p.sessions, id)
	}
	p.room = make(map[string]string)
	p.trace = make(map[string]string)
	p.interimLogged = make(map[string]bool)
	p.failed = make(map[string]bool)
}

func (p *STTProcessor) drainResults(ch <-chan frames.Frame, streamID string) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if f.Kind() == frames.KindText {
				tf := f.(frames.TextFrame)
				p.mu.Lock()
				forwardInterim := p.forwardInterim
				p.mu.Unlock()
				if tf.Meta()[frames.MetaIsFinal] != "true" {
					p.logInterim(streamID, tf.Text())
					if forwardInterim {
						out = append(out, tf)
					}
					continue
				}
				p.logFinal(streamID, tf.Text())
				out = append(out, tf)
				continue
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

var _ pipeline.FrameProcessor = (*STTProcessor)(nil)

func (p *STTProcessor) record(name, streamID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "stt"}
	p.mu.Lock()
	if traceID := p.trace[streamID]; traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if room := p.room[streamID]; room != "" {
		tags[frames.MetaRoom] = room
	}
	provider := p.provider
	p.mu.Unlock()
	if provider != "" {
		tags["provider"] = provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: tags,
	})
}

func (p *STTProcessor) setProviderFromSession(sess stt.StreamingSTT) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess == nil || p.provider != "" {
		return
	}
	p.provider = sess.Name()
}

func (p *STTProcessor) setRoom(streamID, room string) {
	if streamID == "" || room == "" {
		return
	}
	p.mu.Lock()
	p.room[streamID] = room
	p.mu.Unlock()
}

func (p *STTProcessor) setTrace(streamID, traceID string) {
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *STTProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}

func (p *STTProcessor) logInterim(streamID, text string) {
	p.mu.Lock()
	if p.interimLogged[streamID] {
		p.mu.Unlock()
		return
	}
	p.interimLogged[streamID] = true
	traceID := p.trace[streamID]
	p.mu.Unlock()
	safe := redact.Text(text)
	slog.Info("stt_interim", "stream_id", streamID, "trace_id", traceID, "text", clipText(safe))
}

func (p *STTProcessor) logFinal(streamID, text string) {
	traceID := p.getTrace(streamID)
	safe := redact.Text(text)
	slog.Info("stt_final", "stream_id", streamID, "trace_id", traceID, "text", clipText(safe))
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}
