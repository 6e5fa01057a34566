package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/tts"
	"github.com/ariavoice/aria/pkg/frames"
)

type TTSConfig struct {
	StreamID       string
	Room           string
	SampleRate     int
	Channels       int
	EmitAudioReady bool
	// EmitDelay defers audio delivery, modelling a provider whose synthesis
	// lands after the request returns.
	EmitDelay time.Duration
	StartErr  error
}

type StreamingTTS struct {
	cfg     TTSConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &StreamingTTS{
		cfg: cfg,
		out: make(chan frames.Frame, 16),
	}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	if s.cfg.StartErr != nil {
		return s.cfg.StartErr
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("not started")
	}

	// Emit a deterministic silent audio frame.
	pcm := make([]byte, 320)
	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaSource:   "tts",
	}
	if s.cfg.Room != "" {
		meta[frames.MetaRoom] = s.cfg.Room
	}
	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), pcm, s.cfg.SampleRate, s.cfg.Channels, meta)
	if s.cfg.EmitDelay > 0 {
		go func() {
			select {
			case <-time.After(s.cfg.EmitDelay):
			case <-s.ctx.Done():
				return
			}
			s.deliver(f)
			if s.cfg.EmitAudioReady {
				s.deliver(s.readyFrame())
			}
		}()
		return nil
	}
	s.deliver(f)
	if s.cfg.EmitAudioReady {
		s.deliver(s.readyFrame())
	}
	return nil
}

func (s *StreamingTTS) readyFrame() frames.Frame {
	return frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioReady, map[string]string{
		frames.MetaSource: "tts",
	})
}

// deliver drops the frame when the session has already closed.
func (s *StreamingTTS) deliver(f frames.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.out == nil {
		return
	}
	select {
	case s.out <- f:
	default:
	}
}

func (s *StreamingTTS) Flush() {}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
