package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ariavoice/aria/pkg/adapters/stt"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/logging"
)

const defaultEndpoint = "wss://streaming.assemblyai.com/v3/ws"

type Config struct {
	APIKey      string
	Model       string
	SampleRate  int
	Endpoint    string
	FormatTurns bool
	StreamID    string
	Room        string
	Participant string
	TraceID     string
}

// StreamingSTT speaks the AssemblyAI universal-streaming v3 protocol: PCM16
// binary frames up, JSON Turn events down. The service runs its own
// end-of-turn model, surfaced here as an end_of_turn control frame.
type StreamingSTT struct {
	cfg    Config
	conn   *websocket.Conn
	out    chan frames.Frame
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	logger *slog.Logger
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(slog.Default(), "assemblyai_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "assemblyai_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return errors.New("missing assemblyai api key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	q.Set("encoding", "pcm_s16le")
	if s.cfg.FormatTurns {
		q.Set("format_turns", "true")
	}
	endpoint := s.cfg.Endpoint + "?" + q.Encode()

	s.logger.Info("connecting to assemblyai",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("room", s.cfg.Room),
		slog.Int("sample_rate", s.cfg.SampleRate))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(s.ctx, endpoint, http.Header{
		"Authorization": []string{s.cfg.APIKey},
	})
	if err != nil {
		status := ""
		if resp != nil {
			status = resp.Status
		}
		s.logger.Error("assemblyai_connect_failed",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("status", status),
			slog.String("error", err.Error()))
		return err
	}
	s.conn = conn

	go s.readLoop()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.logger.Info("closing assemblyai connection",
		slog.String("stream_id", s.cfg.StreamID))
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`))
		return s.conn.Close()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("not started")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame.RawPayload())
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

type serverMessage struct {
	Type             string  `json:"type"`
	ID               string  `json:"id"`
	Transcript       string  `json:"transcript"`
	TurnIsFormatted  bool    `json:"turn_is_formatted"`
	EndOfTurn        bool    `json:"end_of_turn"`
	EndOfTurnConf    float64 `json:"end_of_turn_confidence"`
	AudioDurationSec float64 `json:"audio_duration_seconds"`
	Error            string  `json:"error"`
}

func (s *StreamingSTT) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("assemblyai_read_error",
					slog.String("stream_id", s.cfg.StreamID),
					slog.String("error", err.Error()))
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *StreamingSTT) handleMessage(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("assemblyai_bad_message",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("data", string(data)))
		return
	}
	switch msg.Type {
	case "Begin":
		s.logger.Info("assemblyai_session_begin",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("session_id", msg.ID))
	case "Turn":
		s.handleTurn(msg)
	case "Termination":
		s.logger.Info("assemblyai_session_terminated",
			slog.String("stream_id", s.cfg.StreamID),
			slog.Float64("audio_duration_seconds", msg.AudioDurationSec))
	case "Error":
		s.logger.Error("assemblyai_error",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", msg.Error))
	default:
		s.logger.Debug("assemblyai_unhandled_event",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("type", msg.Type))
	}
}

func (s *StreamingSTT) handleTurn(msg serverMessage) {
	if msg.Transcript != "" {
		// Formatted finals arrive only when format_turns is on; a final
		// turn counts either way.
		final := msg.EndOfTurn && (msg.TurnIsFormatted || !s.cfg.FormatTurns)
		meta := s.baseMeta()
		meta[frames.MetaIsFinal] = strconv.FormatBool(final)
		f := frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), msg.Transcript, meta)
		s.emit(f)
	}
	if msg.EndOfTurn {
		meta := s.baseMeta()
		meta[frames.MetaReason] = "end_of_turn"
		s.logger.Debug("assemblyai_end_of_turn",
			slog.String("stream_id", s.cfg.StreamID),
			slog.Float64("confidence", msg.EndOfTurnConf))
		s.emit(frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlEndOfTurn, meta))
	}
}

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
		s.logger.Warn("assemblyai_out_channel_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
