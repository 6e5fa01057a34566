package aria

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/stt"
	"github.com/ariavoice/aria/pkg/adapters/tts"
	"github.com/ariavoice/aria/pkg/adapters/turndetect"
	"github.com/ariavoice/aria/pkg/adapters/vad"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/llm"
	"github.com/ariavoice/aria/pkg/pipeline"
	"github.com/ariavoice/aria/pkg/providers/mock"
	mocktransport "github.com/ariavoice/aria/pkg/transports/mock"
)

func testConfig() Config {
	return Config{
		Pipeline: pipeline.Config{
			Async:        true,
			StageBuffer:  64,
			HighCapacity: 128,
			LowCapacity:  128,
		},
		Audio: AudioConfig{
			InputSampleRate:  16000,
			OutputSampleRate: 48000,
			VADWindowSamples: 512,
		},
		Capabilities: CapabilitiesConfig{
			STT:           VendorConfig{Provider: "mock"},
			LLM:           VendorConfig{Provider: "mock"},
			TTS:           VendorConfig{Provider: "mock"},
			VAD:           VendorConfig{Provider: "mock"},
			TurnDetection: VendorConfig{Provider: "mock"},
		},
		Transports: TransportsConfig{Provider: "mock"},
		Turn: TurnConfig{
			BargeInThresholdMS: 500,
			MinBargeInMS:       300,
			SilenceWindowMS:    700,
		},
		Context:     ContextConfig{MaxHistory: 12},
		Environment: "test",
		LogLevel:    "error",
	}
}

func registerMockProviders(transcript string) *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.RegisterSTT("mock", func(cfg Config, traceID string) (func(room, streamID string) stt.StreamingSTT, error) {
		return func(room, streamID string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{
				StreamID:      streamID,
				Room:          room,
				Transcript:    transcript,
				EmitEndOfTurn: true,
			})
		}, nil
	})
	reg.RegisterLLM("mock", func(cfg Config) (llm.LLMAdapter, error) {
		return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "Hello, how can I help?"}), nil
	})
	reg.RegisterTTS("mock", func(cfg Config) (func(room, streamID string) tts.StreamingTTS, error) {
		return func(room, streamID string) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{StreamID: streamID, Room: room, SampleRate: 48000})
		}, nil
	})
	reg.RegisterVAD("mock", func(cfg Config) (func() (vad.Detector, error), error) {
		return func() (vad.Detector, error) {
			return mock.NewVAD(mock.VADConfig{}), nil
		}, nil
	})
	reg.RegisterTurnDetector("mock", func(cfg Config) (func() turndetect.Detector, error) {
		return func() turndetect.Detector {
			return mock.NewTurnDetector(mock.TurnDetectorConfig{})
		}, nil
	})
	return reg
}

func audioFrame(room, streamID string) frames.AudioFrame {
	pcm := make([]byte, 1024)
	return frames.NewAudioFrame(streamID, time.Now().UnixNano(), pcm, 16000, 1, map[string]string{
		frames.MetaRoom:        room,
		frames.MetaParticipant: "user-1",
	})
}

func waitForAudio(t *testing.T, sent <-chan frames.Frame, timeout time.Duration) frames.AudioFrame {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-sent:
			if af, ok := f.(frames.AudioFrame); ok {
				return af
			}
		case <-deadline:
			t.Fatalf("timed out waiting for synthesized audio")
		}
	}
}

func TestEngineRunsFullPipeline(t *testing.T) {
	transport := mocktransport.New()
	eng, err := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: registerMockProviders("turn on the lights"),
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	transport.Push(audioFrame("room-1", "stream-1"))

	af := waitForAudio(t, transport.Sent(), 3*time.Second)
	if af.Rate() != 48000 {
		t.Fatalf("unexpected synthesis rate %d", af.Rate())
	}
	if eng.Registry().Count() != 1 {
		t.Fatalf("expected one session, got %d", eng.Registry().Count())
	}
}

func TestEngineFailsFastOnUnboundSlot(t *testing.T) {
	cfg := testConfig()
	cfg.Capabilities.TTS.Provider = "missing"
	_, err := NewEngine(EngineOptions{
		Config:    cfg,
		Providers: registerMockProviders("hello"),
		Transport: mocktransport.New(),
	})
	if err == nil {
		t.Fatalf("expected engine construction to fail for unbound tts slot")
	}
}

func TestEngineIsolatesConcurrentSessions(t *testing.T) {
	transport := mocktransport.New()
	eng, err := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: registerMockProviders("what is the weather"),
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	transport.Push(audioFrame("room-1", "stream-1"))
	transport.Push(audioFrame("room-2", "stream-2"))

	rooms := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for len(rooms) < 2 {
		select {
		case f := <-transport.Sent():
			if f.Kind() == frames.KindAudio {
				rooms[f.Meta()[frames.MetaRoom]] = true
			}
		case <-deadline:
			t.Fatalf("timed out, audio seen for rooms %v", rooms)
		}
	}
	if eng.Registry().Count() != 2 {
		t.Fatalf("expected two sessions, got %d", eng.Registry().Count())
	}
}

// Synthesis that completes after the reply's last text chunk has cleared the
// pipeline must still reach the transport.
func TestEngineDeliversDelayedSynthesis(t *testing.T) {
	reg := registerMockProviders("what time is it")
	reg.RegisterTTS("mock", func(cfg Config) (func(room, streamID string) tts.StreamingTTS, error) {
		return func(room, streamID string) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{
				StreamID:   streamID,
				Room:       room,
				SampleRate: 48000,
				EmitDelay:  60 * time.Millisecond,
			})
		}, nil
	})

	transport := mocktransport.New()
	eng, err := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: reg,
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	transport.Push(audioFrame("room-1", "stream-1"))
	waitForAudio(t, transport.Sent(), 3*time.Second)
}

// A provider stream that cannot connect must fail the session start; no
// half-alive session may be recorded, and no retry may follow.
func TestEngineSessionFailsWhenSTTCannotConnect(t *testing.T) {
	reg := registerMockProviders("hello")
	reg.RegisterSTT("mock", func(cfg Config, traceID string) (func(room, streamID string) stt.StreamingSTT, error) {
		return func(room, streamID string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{
				StreamID: streamID,
				Room:     room,
				StartErr: errors.New("dial refused"),
			})
		}, nil
	})

	transport := mocktransport.New()
	eng, err := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: reg,
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	transport.Push(audioFrame("room-1", "stream-1"))
	transport.Push(audioFrame("room-1", "stream-1"))

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case f := <-transport.Sent():
			if f.Kind() == frames.KindAudio {
				t.Fatalf("no audio should flow for a failed session")
			}
		case <-deadline:
			if eng.Registry().Count() != 0 {
				t.Fatalf("failed session must not be recorded, count %d", eng.Registry().Count())
			}
			return
		}
	}
}

// After a session ends, a rejoin on the same room must get a fresh session
// immediately, not attach to the one being torn down.
func TestEngineAcceptsRejoinAfterSessionEnd(t *testing.T) {
	transport := mocktransport.New()
	eng, err := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: registerMockProviders("play some music"),
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	transport.Push(audioFrame("room-1", "stream-1"))
	waitForAudio(t, transport.Sent(), 3*time.Second)

	transport.Push(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), frames.SystemSessionEnd, map[string]string{
		frames.MetaRoom:     "room-1",
		frames.MetaStreamID: "stream-1",
	}))
	deadline := time.Now().Add(3 * time.Second)
	for eng.Registry().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session was not removed, count %d", eng.Registry().Count())
		}
		time.Sleep(20 * time.Millisecond)
	}

	transport.Push(audioFrame("room-1", "stream-2"))
	waitForAudio(t, transport.Sent(), 3*time.Second)
	if eng.Registry().Count() != 1 {
		t.Fatalf("expected a fresh session for the rejoin, got %d", eng.Registry().Count())
	}
}

func TestEngineTearsDownOnSessionEnd(t *testing.T) {
	transport := mocktransport.New()
	eng, err := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: registerMockProviders("goodbye"),
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	transport.Push(audioFrame("room-1", "stream-1"))
	waitForAudio(t, transport.Sent(), 3*time.Second)

	transport.Push(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), frames.SystemSessionEnd, map[string]string{
		frames.MetaRoom:     "room-1",
		frames.MetaStreamID: "stream-1",
	}))

	deadline := time.Now().Add(3 * time.Second)
	for eng.Registry().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session was not removed, count %d", eng.Registry().Count())
		}
		time.Sleep(50 * time.Millisecond)
	}
}
