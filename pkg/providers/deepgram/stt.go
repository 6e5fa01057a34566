package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/stt"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	VADEvents      bool
	UtteranceEndMS int
	StreamID       string
	Room           string
	Participant    string
	TraceID        string
}

// StreamingSTT is the Deepgram alternative to the default transcription
// binding. Audio is piped into the SDK's websocket client; transcript and
// utterance events come back through the callback.
type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("room", s.cfg.Room),
		slog.String("model", s.cfg.Model),
		slog.Bool("vad_events", s.cfg.VADEvents),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
		return err
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("stream_id", s.cfg.StreamID))
		return fmt.Errorf("deepgram connection failed")
	}

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", s.cfg.StreamID))
		}
	}()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.logger.Info("closing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID))
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := s.pipeWriter.Write(frame.RawPayload())
	if err != nil {
		s.logger.Error("deepgram_send_error",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
	}
	return err
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
	if s.cfg.Participant != "" {
		meta[frames.MetaParticipant] = s.cfg.Participant
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

func (s *StreamingSTT) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal

	meta := c.parent.baseMeta()
	meta[frames.MetaIsFinal] = fmt.Sprintf("%t", isFinal)

	c.parent.logger.Debug("transcript_received",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.Bool("is_final", isFinal))

	c.parent.emit(frames.NewTextFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), transcript, meta))

	if mr.SpeechFinal {
		meta := c.parent.baseMeta()
		meta[frames.MetaReason] = "speech_final"
		c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlEndOfTurn, meta))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	meta := c.parent.baseMeta()
	meta[frames.MetaReason] = "speech_started"
	c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlSpeechStarted, meta))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	meta := c.parent.baseMeta()
	meta[frames.MetaReason] = "utterance_end"
	c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlEndOfTurn, meta))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
