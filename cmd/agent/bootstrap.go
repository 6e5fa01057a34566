package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/stt"
	"github.com/ariavoice/aria/pkg/adapters/tts"
	"github.com/ariavoice/aria/pkg/adapters/turndetect"
	"github.com/ariavoice/aria/pkg/adapters/vad"
	"github.com/ariavoice/aria/pkg/aria"
	"github.com/ariavoice/aria/pkg/configutil"
	"github.com/ariavoice/aria/pkg/llm"
	"github.com/ariavoice/aria/pkg/providers/assemblyai"
	"github.com/ariavoice/aria/pkg/providers/deepgram"
	"github.com/ariavoice/aria/pkg/providers/energy"
	"github.com/ariavoice/aria/pkg/providers/google"
	"github.com/ariavoice/aria/pkg/providers/inworld"
	"github.com/ariavoice/aria/pkg/providers/mock"
	"github.com/ariavoice/aria/pkg/providers/openai"
	"github.com/ariavoice/aria/pkg/providers/silence"
	"github.com/ariavoice/aria/pkg/providers/silero"
	"github.com/ariavoice/aria/pkg/transports"
	livekittransport "github.com/ariavoice/aria/pkg/transports/livekit"
	mocktransport "github.com/ariavoice/aria/pkg/transports/mock"
)

type assemblyAISettings struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	SampleRate  int    `mapstructure:"sample_rate"`
	Endpoint    string `mapstructure:"endpoint"`
	FormatTurns *bool  `mapstructure:"format_turns"`
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

type googleSettings struct {
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	BaseURL         string  `mapstructure:"base_url"`
	Temperature     float64 `mapstructure:"temperature"`
	ThinkingLevel   string  `mapstructure:"thinking_level"`
	IncludeThoughts *bool   `mapstructure:"include_thoughts"`
}

type openAISettings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type inworldSettings struct {
	APIKey     string `mapstructure:"api_key"`
	VoiceID    string `mapstructure:"voice_id"`
	ModelID    string `mapstructure:"model_id"`
	SampleRate int    `mapstructure:"sample_rate"`
	BaseURL    string `mapstructure:"base_url"`
}

type sileroSettings struct {
	ModelPath   string  `mapstructure:"model_path"`
	LibraryPath string  `mapstructure:"library_path"`
	Threshold   float64 `mapstructure:"threshold"`
}

type energySettings struct {
	SpeechThreshold  float64 `mapstructure:"speech_threshold"`
	SilenceThreshold float64 `mapstructure:"silence_threshold"`
	SpeechWindows    int     `mapstructure:"speech_windows"`
	SilenceWindows   int     `mapstructure:"silence_windows"`
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       *bool  `mapstructure:"emit_interim"`
	EmitEndOfTurn     *bool  `mapstructure:"emit_end_of_turn"`
}

type mockLLMSettings struct {
	ResponseText string   `mapstructure:"response_text"`
	ThoughtText  string   `mapstructure:"thought_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
}

type mockTTSSettings struct {
	EmitAudioReady *bool `mapstructure:"emit_audio_ready"`
	SampleRate     int   `mapstructure:"sample_rate"`
	Channels       int   `mapstructure:"channels"`
}

type livekitSettings struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	RoomName  string `mapstructure:"room_name"`
	Identity  string `mapstructure:"identity"`
}

func registerProviders(reg *aria.ProviderRegistry) {
	reg.RegisterSTT("assemblyai", func(cfg aria.Config, traceID string) (func(room, streamID string) stt.StreamingSTT, error) {
		if err := validateSettings("capabilities.stt.settings", cfg.Capabilities.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "sample_rate", "endpoint", "format_turns"},
		}); err != nil {
			return nil, err
		}
		var settings assemblyAISettings
		if err := configutil.DecodeSettings(cfg.Capabilities.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "capabilities.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if settings.SampleRate == 0 {
			settings.SampleRate = cfg.Audio.InputSampleRate
		}
		formatTurns := configutil.BoolValue(settings.FormatTurns, true)
		return func(room, streamID string) stt.StreamingSTT {
			return assemblyai.New(assemblyai.Config{
				APIKey:      settings.APIKey,
				Model:       settings.Model,
				SampleRate:  settings.SampleRate,
				Endpoint:    settings.Endpoint,
				FormatTurns: formatTurns,
				StreamID:    streamID,
				Room:        room,
				TraceID:     traceID,
			})
		}, nil
	})

	reg.RegisterSTT("deepgram", func(cfg aria.Config, traceID string) (func(room, streamID string) stt.StreamingSTT, error) {
		if err := validateSettings("capabilities.stt.settings", cfg.Capabilities.STT.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Capabilities.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "capabilities.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "capabilities.stt.settings.model"); err != nil {
			return nil, err
		}
		if settings.SampleRate == 0 {
			settings.SampleRate = cfg.Audio.InputSampleRate
		}
		if settings.Encoding == "" {
			settings.Encoding = "linear16"
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, fmt.Errorf("capabilities.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		interim := configutil.BoolValue(settings.Interim, true)
		vadEvents := configutil.BoolValue(settings.VADEvents, true)
		return func(room, streamID string) stt.StreamingSTT {
			return deepgram.New(deepgram.Config{
				APIKey:         settings.APIKey,
				Model:          settings.Model,
				Language:       settings.Language,
				SampleRate:     settings.SampleRate,
				Encoding:       settings.Encoding,
				Interim:        interim,
				VADEvents:      vadEvents,
				UtteranceEndMS: utteranceEnd,
				StreamID:       streamID,
				Room:           room,
				TraceID:        traceID,
			})
		}, nil
	})

	reg.RegisterSTT("mock", func(cfg aria.Config, traceID string) (func(room, streamID string) stt.StreamingSTT, error) {
		if err := validateSettings("capabilities.stt.settings", cfg.Capabilities.STT.Settings, configutil.Schema{
			Optional: []string{"transcript", "interim_transcript", "emit_interim", "emit_end_of_turn"},
		}); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(cfg.Capabilities.STT.Settings, &settings); err != nil {
			return nil, err
		}
		emitInterim := configutil.BoolValue(settings.EmitInterim, false)
		emitEndOfTurn := configutil.BoolValue(settings.EmitEndOfTurn, true)
		return func(room, streamID string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{
				StreamID:          streamID,
				Room:              room,
				TraceID:           traceID,
				Transcript:        settings.Transcript,
				InterimTranscript: settings.InterimTranscript,
				EmitInterim:       emitInterim,
				EmitEndOfTurn:     emitEndOfTurn,
			})
		}, nil
	})

	reg.RegisterLLM("google", func(cfg aria.Config) (llm.LLMAdapter, error) {
		if err := validateSettings("capabilities.llm.settings", cfg.Capabilities.LLM.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"base_url", "temperature", "thinking_level", "include_thoughts"},
		}); err != nil {
			return nil, err
		}
		var settings googleSettings
		if err := configutil.DecodeSettings(cfg.Capabilities.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "capabilities.llm.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "capabilities.llm.settings.model"); err != nil {
			return nil, err
		}
		adapter := google.NewAdapter(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			adapter.BaseURL = settings.BaseURL
		}
		if settings.Temperature != 0 {
			adapter.Temperature = settings.Temperature
		}
		if lvl := strings.TrimSpace(settings.ThinkingLevel); lvl != "" {
			switch google.ThinkingLevel(strings.ToLower(lvl)) {
			case google.ThinkingOff, google.ThinkingLow, google.ThinkingMedium, google.ThinkingHigh:
				adapter.ThinkingLevel = google.ThinkingLevel(strings.ToLower(lvl))
			default:
				return nil, fmt.Errorf("capabilities.llm.settings.thinking_level must be one of [off, low, medium, high], got %s", lvl)
			}
		}
		adapter.IncludeThoughts = configutil.BoolValue(settings.IncludeThoughts, true)
		return adapter, nil
	})

	reg.RegisterLLM("openai", func(cfg aria.Config) (llm.LLMAdapter, error) {
		if err := validateSettings("capabilities.llm.settings", cfg.Capabilities.LLM.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"base_url"},
		}); err != nil {
			return nil, err
		}
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Capabilities.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "capabilities.llm.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "capabilities.llm.settings.model"); err != nil {
			return nil, err
		}
		adapter := openai.NewAdapter(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			adapter.BaseURL = settings.BaseURL
		}
		return adapter, nil
	})

	reg.RegisterLLM("mock", func(cfg aria.Config) (llm.LLMAdapter, error) {
		if err := validateSettings("capabilities.llm.settings", cfg.Capabilities.LLM.Settings, configutil.Schema{
			Optional: []string{"response_text", "thought_text", "stream_chunks"},
		}); err != nil {
			return nil, err
		}
		var settings mockLLMSettings
		if err := configutil.DecodeSettings(cfg.Capabilities.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewLLMAdapter(mock.LLMConfig{
			ResponseText: settings.ResponseText,
			ThoughtText:  settings.ThoughtText,
			StreamChunks: settings.StreamChunks,
		}), nil
	})

	reg.RegisterTTS("inworld", func(cfg aria.Config) (func(room, streamID string) tts.StreamingTTS, error) {
		if err := validateSettings("capabilities.tts.settings", cfg.Capabilities.TTS.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "sample_rate", "base_url"},
		}); err != nil {
			return nil, err
		}
		var settings inworldSettings
		if err := configutil.DecodeSettings(cfg.Capabilities.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "capabilities.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "capabilities.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		if settings.SampleRate == 0 {
			settings.SampleRate = cfg.Audio.OutputSampleRate
		}
		return func(room, streamID string) tts.StreamingTTS {
			return inworld.New(inworld.Config{
				APIKey:     settings.APIKey,
				VoiceID:    settings.VoiceID,
				ModelID:    settings.ModelID,
				SampleRate: settings.SampleRate,
				BaseURL:    settings.BaseURL,
				StreamID:   streamID,
				Room:       room,
			})
		}, nil
	})

	reg.RegisterTTS("mock", func(cfg aria.Config) (func(room, streamID string) tts.StreamingTTS, error) {
		if err := validateSettings("capabilities.tts.settings", cfg.Capabilities.TTS.Settings, configutil.Schema{
			Optional: []string{"emit_audio_ready", "sample_rate", "channels"},
		}); err != nil {
			return nil, err
		}
		var settings mockTTSSettings
		if err := configutil.DecodeSettings(cfg.Capabilities.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		sampleRate := settings.SampleRate
		if sampleRate == 0 {
			sampleRate = cfg.Audio.OutputSampleRate
		}
		channels := settings.Channels
		if channels == 0 {
			channels = 1
		}
		emitAudioReady := configutil.BoolValue(settings.EmitAudioReady, false)
		return func(room, streamID string) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{
				StreamID:       streamID,
				Room:           room,
				SampleRate:     sampleRate,
				Channels:       channels,
				EmitAudioReady: emitAudioReady,
			})
		}, nil
	})

	reg.RegisterVAD("silero", func(cfg aria.Config) (func() (vad.Detector, error), error) {
		if err := validateSettings("capabilities.vad.settings", cfg.Capabilities.VAD.Settings, configutil.Schema{
			Required: []string{"model_path"},
			Optional: []string{"library_path", "threshold"},
		}); err != nil {
			return nil, err
		}
		var settings sileroSettings
		if err := configutil.DecodeSettings(cfg.Capabilities.VAD.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.ModelPath, "capabilities.vad.settings.model_path"); err != nil {
			return nil, err
		}
		return func() (vad.Detector, error) {
			return silero.New(silero.Config{
				ModelPath:   settings.ModelPath,
				LibraryPath: settings.LibraryPath,
				Threshold:   settings.Threshold,
			})
		}, nil
	})

	reg.RegisterVAD("energy", func(cfg aria.Config) (func() (vad.Detector, error), error) {
		if err := validateSettings("capabilities.vad.settings", cfg.Capabilities.VAD.Settings, configutil.Schema{
			Optional: []string{"speech_threshold", "silence_threshold", "speech_windows", "silence_windows"},
		}); err != nil {
			return nil, err
		}
		var settings energySettings
		if err := configutil.DecodeSettings(cfg.Capabilities.VAD.Settings, &settings); err != nil {
			return nil, err
		}
		return func() (vad.Detector, error) {
			return energy.New(energy.Config{
				SpeechThreshold:  settings.SpeechThreshold,
				SilenceThreshold: settings.SilenceThreshold,
				SpeechWindows:    settings.SpeechWindows,
				SilenceWindows:   settings.SilenceWindows,
			}), nil
		}, nil
	})

	reg.RegisterVAD("mock", func(cfg aria.Config) (func() (vad.Detector, error), error) {
		return func() (vad.Detector, error) {
			return mock.NewVAD(mock.VADConfig{}), nil
		}, nil
	})

	reg.RegisterTurnDetector("silence", func(cfg aria.Config) (func() turndetect.Detector, error) {
		window := time.Duration(cfg.Turn.SilenceWindowMS) * time.Millisecond
		return func() turndetect.Detector {
			return silence.New(turndetect.Config{SilenceWindow: window})
		}, nil
	})

	reg.RegisterTurnDetector("mock", func(cfg aria.Config) (func() turndetect.Detector, error) {
		return func() turndetect.Detector {
			return mock.NewTurnDetector(mock.TurnDetectorConfig{})
		}, nil
	})
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func buildTransport(cfg aria.Config) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "livekit":
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Required: []string{"url", "api_key", "api_secret", "room_name"},
			Optional: []string{"identity"},
		}); err != nil {
			return nil, err
		}
		var settings livekitSettings
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		for path, v := range map[string]string{
			"transports.settings.url":        settings.URL,
			"transports.settings.api_key":    settings.APIKey,
			"transports.settings.api_secret": settings.APISecret,
			"transports.settings.room_name":  settings.RoomName,
		} {
			if err := configutil.RequireString(v, path); err != nil {
				return nil, err
			}
		}
		identity := settings.Identity
		if identity == "" {
			identity = cfg.AgentName
		}
		if identity == "" {
			identity = "aria-agent"
		}
		return livekittransport.New(livekittransport.Config{
			URL:                 settings.URL,
			APIKey:              settings.APIKey,
			APISecret:           settings.APISecret,
			RoomName:            settings.RoomName,
			Identity:            identity,
			GreetingInstruction: cfg.Greeting,
		}), nil
	case "mock":
		return mocktransport.New(), nil
	default:
		return nil, fmt.Errorf("unsupported transport provider: %s", cfg.Transports.Provider)
	}
}
