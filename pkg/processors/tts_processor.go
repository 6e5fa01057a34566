package processors

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/tts"
	"github.com/ariavoice/aria/pkg/errorsx"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/logging"
	"github.com/ariavoice/aria/pkg/metrics"
	"github.com/ariavoice/aria/pkg/pipeline"
	"github.com/ariavoice/aria/pkg/redact"
	"github.com/ariavoice/aria/pkg/turn"
)

// TTSProcessor streams assistant text into the synthesis session and drains
// synthesized audio back into the pipeline. Interruption controls purge the
// session's buffered audio so barge-in cuts the agent off mid-sentence.
type TTSProcessor struct {
	mu       sync.Mutex
	sessions map[string]tts.StreamingTTS
	factory  func(room, streamID string) tts.StreamingTTS
	ctx      context.Context
	obs      metrics.Observer
	manager  turn.Manager
	emit     func(frames.Frame) error
	first    map[string]bool
	trace    map[string]string
	room     map[string]string
	results  map[string][]frames.Frame
	pumps    map[string]chan struct{}
	failed   map[string]bool
	provider string
	logger   *slog.Logger
}

type flushSender interface {
	SendTextWithOptions(text string, flush bool) error
}

func NewTTSProcessor(factory func(room, streamID string) tts.StreamingTTS) *TTSProcessor {
	return &TTSProcessor{
		sessions: make(map[string]tts.StreamingTTS),
		factory:  factory,
		first:    make(map[string]bool),
		trace:    make(map[string]string),
		room:     make(map[string]string),
		results:  make(map[string][]frames.Frame),
		pumps:    make(map[string]chan struct{}),
		failed:   make(map[string]bool),
		logger:   logging.NewComponentLogger(slog.Default(), "tts_processor"),
	}
}

func (p *TTSProcessor) Name() string { return "tts_processor" }

func (p *TTSProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TTSProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *TTSProcessor) SetTurnManager(m turn.Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manager = m
}

// SetEmitter enables the result pump: synthesized audio arriving after the
// last inbound frame wakes the pipeline with an audio_ready control instead
// of waiting for the next turn to traverse the stage.
func (p *TTSProcessor) SetEmitter(emit func(frames.Frame) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit = emit
}

// Adopt registers an already-started synthesis session, connected eagerly at
// session bootstrap instead of on the first text chunk.
func (p *TTSProcessor) Adopt(streamID, room string, sess tts.StreamingTTS) {
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
	p.startPumpLocked(streamID, sess)
}

// SetLogger configures structured logging for the TTS processor.
func (p *TTSProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "tts_processor")
	}
}

func (p *TTSProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	if room := meta[frames.MetaRoom]; room != "" && streamID != "" {
		p.mu.Lock()
		p.room[streamID] = room
		p.mu.Unlock()
	}
	var out []frames.Frame

	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		if sf.Name() == frames.SystemSessionEnd {
			if streamID == "" {
				p.CloseAll()
			} else {
				p.CloseStream(streamID)
			}
		}
		return []frames.Frame{f}, nil
	}

	drain := func() {
		res := p.drainAll(streamID)
		if len(res) > 0 {
			p.logger.Debug("tts results drained",
				slog.String("stream_id", streamID),
				slog.Int("count", len(res)))
			p.recordFirst(streamID)
			out = append(out, res...)
		}
	}

	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlStartInterruption, frames.ControlFlush:
			p.withSessions(streamID, func(ttsSession tts.StreamingTTS) {
				ttsSession.Flush()
			})
			p.mu.Lock()
			delete(p.results, streamID)
			p.mu.Unlock()
			p.logger.Info("tts flush signal received",
				slog.String("stream_id", streamID),
				slog.String("code", string(cf.Code())))
		case frames.ControlCancel:
			p.logger.Info("tts cancel signal received",
				slog.String("stream_id", streamID))
			p.CloseStream(streamID)
		case frames.ControlAudioReady:
			drain()
		}
		out = append(out, f)
		return out, nil

	case frames.KindText:
		tf := f.(frames.TextFrame)
		if tf.Meta()[frames.MetaThought] == "true" {
			// Model reasoning is never synthesized.
			return nil, nil
		}
		if traceID := tf.Meta()[frames.MetaTraceID]; traceID != "" {
			p.setTrace(streamID, traceID)
		}
		finalChunk := tf.Meta()[frames.MetaIsFinal] == "true"
		if strings.TrimSpace(tf.Text()) == "" {
			if finalChunk {
				p.flushSession(streamID)
			}
			drain()
			return out, nil
		}

		ttsSession, err := p.getOrCreate(streamID)
		if err != nil {
			if errors.Is(err, errStreamUnavailable) {
				// Already logged when the connection first failed.
				return nil, nil
			}
			err = errorsx.Wrap(err, errorsx.ReasonTTSConnect)
			p.logger.Error("tts connection failed",
				slog.String("stream_id", streamID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			return nil, err
		}

		safeText := redact.Text(tf.Text())
		p.logger.Info("tts request",
			slog.String("stream_id", streamID),
			slog.String("text", clipText(safeText)),
			slog.Int("text_length", len(tf.Text())))

		if finalChunk {
			if sender, ok := ttsSession.(flushSender); ok {
				err = sender.SendTextWithOptions(tf.Text(), true)
			} else {
				err = ttsSession.SendText(tf.Text())
			}
		} else {
			err = ttsSession.SendText(tf.Text())
		}
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonTTSSend)
			p.logger.Error("tts send failed",
				slog.String("stream_id", streamID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			return nil, err
		}
		if p.manager != nil {
			p.manager.OnAgentSpeechStart()
		}
		drain()
		return out, nil

	default:
		drain()
		out = append(out, f)
		return out, nil
	}
}

func (p *TTSProcessor) flushSession(streamID string) {
	p.withSessions(streamID, func(ttsSession tts.StreamingTTS) {
		if sender, ok := ttsSession.(flushSender); ok {
			_ = sender.SendTextWithOptions("", true)
		} else {
			ttsSession.Flush()
		}
	})
}

func (p *TTSProcessor) getOrCreate(streamID string) (tts.StreamingTTS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ttsSession, ok := p.sessions[streamID]; ok {
		return ttsSession, nil
	}
	if p.failed[streamID] {
		return nil, errStreamUnavailable
	}
	room := p.room[streamID]
	ttsSession := p.factory(room, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := ttsSession.Start(p.ctx); err != nil {
		// Connection failures are terminal for the stream; later frames
		// must not turn into reconnect attempts.
		p.failed[streamID] = true
		return nil, err
	}
	p.logger.Info("tts session created",
		slog.String("stream_id", streamID),
		slog.String("room", room))
	p.sessions[streamID] = ttsSession
	if p.provider == "" {
		p.provider = ttsSession.Name()
	}
	p.startPumpLocked(streamID, ttsSession)
	return ttsSession, nil
}

func (p *TTSProcessor) startPumpLocked(streamID string, sess tts.StreamingTTS) {
	if p.emit == nil {
		return
	}
	if _, ok := p.pumps[streamID]; ok {
		return
	}
	stop := make(chan struct{})
	p.pumps[streamID] = stop
	go p.pump(streamID, sess.Results(), stop)
}

// pump parks on the synthesis stream and buffers audio as it lands, then
// wakes the pipeline with an audio_ready control so finished audio is
// delivered without waiting for the next inbound frame.
func (p *TTSProcessor) pump(streamID string, ch <-chan frames.Frame, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			p.mu.Lock()
			p.results[streamID] = append(p.results[streamID], f)
			emit := p.emit
			room := p.room[streamID]
			p.mu.Unlock()
			if emit == nil {
				continue
			}
			meta := map[string]string{
				frames.MetaStreamID: streamID,
				frames.MetaSource:   "tts",
			}
			if room != "" {
				meta[frames.MetaRoom] = room
			}
			_ = emit(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlAudioReady, meta))
		}
	}
}

func (p *TTSProcessor) CloseStream(streamID string) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ttsSession, ok := p.sessions[streamID]; ok {
		_ = ttsSession.Close()
		delete(p.sessions, streamID)
	}
	if stop, ok := p.pumps[streamID]; ok {
		close(stop)
		delete(p.pumps, streamID)
	}
	delete(p.results, streamID)
	delete(p.failed, streamID)
	delete(p.first, streamID)
	delete(p.trace, streamID)
	delete(p.room, streamID)
}

func (p *TTSProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ttsSession := range p.sessions {
		_ = ttsSession.Close()
		delete(p.sessions, id)
	}
	for id, stop := range p.pumps {
		close(stop)
		delete(p.pumps, id)
	}
	p.results = make(map[string][]frames.Frame)
	p.failed = make(map[string]bool)
	p.first = make(map[string]bool)
	p.trace = make(map[string]string)
	p.room = make(map[string]string)
}

func drainTTS(ch <-chan frames.Frame) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

var _ pipeline.FrameProcessor = (*TTSProcessor)(nil)

func (p *TTSProcessor) withSessions(streamID string, fn func(tts.StreamingTTS)) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	sess, ok := p.sessions[streamID]
	p.mu.Unlock()
	if ok {
		fn(sess)
	}
}

func (p *TTSProcessor) drainAll(streamID string) []frames.Frame {
	p.mu.Lock()
	buffered := p.results[streamID]
	delete(p.results, streamID)
	_, pumped := p.pumps[streamID]
	p.mu.Unlock()
	if pumped {
		return buffered
	}
	out := buffered
	p.withSessions(streamID, func(sess tts.StreamingTTS) {
		out = append(out, drainTTS(sess.Results())...)
	})
	return out
}

func (p *TTSProcessor) recordFirst(streamID string) {
	if p.obs == nil {
		return
	}
	traceID := p.getTrace(streamID)
	p.mu.Lock()
	if p.first[streamID] {
		p.mu.Unlock()
		return
	}
	p.first[streamID] = true
	room := p.room[streamID]
	p.mu.Unlock()
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "tts"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if room != "" {
		tags[frames.MetaRoom] = room
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: "tts_first_audio",
		Time: time.Now(),
		Tags: tags,
	})
}

func (p *TTSProcessor) setTrace(streamID, traceID string) {
	if traceID == "" {
		return
	}
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *TTSProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}
