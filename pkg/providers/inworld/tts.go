package inworld

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/tts"
	"github.com/ariavoice/aria/pkg/errorsx"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/logging"
)

const defaultBaseURL = "https://api.inworld.ai"

type Config struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	SampleRate int
	BaseURL    string
	StreamID   string
	Room       string
}

// InworldTTS synthesizes speech over the streaming HTTP endpoint. Each text
// chunk becomes one request; responses stream back as JSON objects carrying
// base64 PCM. Requests are serialized through a single worker so audio for a
// reply arrives in order, and a generation counter lets Flush drop audio
// from a reply that was interrupted mid-synthesis.
type InworldTTS struct {
	cfg     Config
	client  *http.Client
	out     chan frames.Frame
	writeCh chan ttsRequest
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	gen     int64
	logger  *slog.Logger
}

type ttsRequest struct {
	text string
	gen  int64
}

func New(cfg Config) *InworldTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &InworldTTS{
		cfg:     cfg,
		client:  &http.Client{Timeout: 60 * time.Second},
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan ttsRequest, 64),
		logger:  logging.NewComponentLogger(slog.Default(), "inworld_tts"),
	}
}

func (s *InworldTTS) Name() string { return "inworld_tts" }

func (s *InworldTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing inworld config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.writeLoop()
	s.logger.Info("inworld session ready",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("room", s.cfg.Room),
		slog.String("model", s.cfg.ModelID))
	return nil
}

func (s *InworldTTS) Close() error {
	s.logger.Info("tts close called",
		slog.String("stream_id", s.cfg.StreamID))
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *InworldTTS) SendText(text string) error {
	return s.SendTextWithOptions(text, false)
}

func (s *InworldTTS) SendTextWithOptions(text string, flush bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	select {
	case s.writeCh <- ttsRequest{text: text, gen: gen}:
		return nil
	default:
		return errors.New("synthesis queue full")
	}
}

// Flush abandons queued and in-flight synthesis and purges buffered audio so
// interrupted replies don't keep playing.
func (s *InworldTTS) Flush() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
drainQueue:
	for {
		select {
		case <-s.writeCh:
		default:
			break drainQueue
		}
	}
drainOut:
	for {
		select {
		case <-s.out:
		default:
			break drainOut
		}
	}
	s.logger.Info("tts buffers purged",
		slog.String("stream_id", s.cfg.StreamID))
}

func (s *InworldTTS) Results() <-chan frames.Frame { return s.out }

func (s *InworldTTS) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.writeCh:
			if s.stale(req.gen) {
				continue
			}
			if err := s.synthesize(req); err != nil {
				s.logger.Error("inworld_synthesis_error",
					slog.String("stream_id", s.cfg.StreamID),
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (s *InworldTTS) stale(gen int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.gen
}

type streamChunk struct {
	Result struct {
		AudioContent string `json:"audioContent"`
	} `json:"result"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *InworldTTS) synthesize(req ttsRequest) error {
	payload := map[string]any{
		"text":    req.text,
		"voiceId": s.cfg.VoiceID,
		"modelId": s.cfg.ModelID,
		"audioConfig": map[string]any{
			"audioEncoding":   "LINEAR16",
			"sampleRateHertz": s.cfg.SampleRate,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.BaseURL+"/tts/v1/voice:stream", bytes.NewReader(b))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+s.cfg.APIKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return errorsx.Wrap(errors.New(string(body)), errorsx.ReasonTTSRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return errors.New(string(body))
	}

	dec := json.NewDecoder(resp.Body)
	first := true
	for {
		var chunk streamChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if chunk.Error.Message != "" {
			return errors.New(chunk.Error.Message)
		}
		if chunk.Result.AudioContent == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(chunk.Result.AudioContent)
		if err != nil {
			return err
		}
		if first {
			raw = stripWAVHeader(raw)
			first = false
		}
		if len(raw) == 0 {
			continue
		}
		if s.stale(req.gen) {
			// Interrupted mid-stream; drop the rest of this reply.
			return nil
		}
		s.emit(raw)
	}
}

// stripWAVHeader drops the RIFF header the first streamed chunk carries so
// downstream consumers see raw PCM throughout.
func stripWAVHeader(raw []byte) []byte {
	if len(raw) >= 44 && bytes.HasPrefix(raw, []byte("RIFF")) {
		return raw[44:]
	}
	return raw
}

func (s *InworldTTS) emit(raw []byte) {
	meta := map[string]string{
		frames.MetaStreamID:   s.cfg.StreamID,
		frames.MetaSource:     "tts",
		frames.MetaEncoding:   "pcm16",
		frames.MetaSampleRate: strconv.Itoa(s.cfg.SampleRate),
	}
	if s.cfg.Room != "" {
		meta[frames.MetaRoom] = s.cfg.Room
	}
	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, meta)
	select {
	case s.out <- f:
		s.logger.Debug("tts audio frame emitted",
			slog.String("stream_id", s.cfg.StreamID),
			slog.Int("size_bytes", len(raw)))
	default:
		s.logger.Warn("tts output buffer full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

var _ tts.StreamingTTS = (*InworldTTS)(nil)
