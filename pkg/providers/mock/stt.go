package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/stt"
	"github.com/ariavoice/aria/pkg/frames"
)

type STTConfig struct {
	StreamID          string
	Room              string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitEndOfTurn     bool
	StartErr          error
}

// StreamingSTT emits a scripted transcript on the first audio frame it
// receives. Used in pipeline tests and for running the agent offline.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
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

func (s *StreamingSTT) Close() error {
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

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	if s.emitted {
		s.mu.Unlock()
		return nil
	}
	s.emitted = true
	s.mu.Unlock()

	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		meta := s.baseMeta()
		meta[frames.MetaIsFinal] = "false"
		s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), interim, meta)
	}

	finalMeta := s.baseMeta()
	finalMeta[frames.MetaIsFinal] = "true"
	s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), s.cfg.Transcript, finalMeta)

	if s.cfg.EmitEndOfTurn {
		meta := s.baseMeta()
		meta[frames.MetaReason] = "end_of_turn"
		s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlEndOfTurn, meta)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) baseMeta() map[string]string {
	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaSource:   "stt",
	}
	if s.cfg.Room != "" {
		meta[frames.MetaRoom] = s.cfg.Room
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
