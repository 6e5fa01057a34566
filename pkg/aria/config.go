package aria

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/ariavoice/aria/pkg/pipeline"
	"github.com/spf13/viper"
)

type Config struct {
	Pipeline     pipeline.Config    `mapstructure:"pipeline"`
	Audio        AudioConfig        `mapstructure:"audio"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Transports   TransportsConfig   `mapstructure:"transports"`
	STT          STTConfig          `mapstructure:"stt"`
	Turn         TurnConfig         `mapstructure:"turn"`
	Context      ContextConfig      `mapstructure:"context"`
	AgentName    string             `mapstructure:"agent_name"`
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	LogFormat    string             `mapstructure:"log_format"`
	Instructions string             `mapstructure:"instructions"`
	Greeting     string             `mapstructure:"greeting"`
	Privacy      PrivacyConfig      `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// CapabilitiesConfig binds each capability slot to exactly one provider.
type CapabilitiesConfig struct {
	STT           VendorConfig `mapstructure:"stt"`
	LLM           VendorConfig `mapstructure:"llm"`
	TTS           VendorConfig `mapstructure:"tts"`
	VAD           VendorConfig `mapstructure:"vad"`
	TurnDetection VendorConfig `mapstructure:"turn_detection"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type AudioConfig struct {
	// InputSampleRate is the rate frames carry after transport decode; the
	// VAD and STT both consume this rate.
	InputSampleRate int `mapstructure:"input_sample_rate"`
	// OutputSampleRate is the rate TTS synthesizes at.
	OutputSampleRate int `mapstructure:"output_sample_rate"`
	// VADWindowSamples is the analysis window fed to the VAD per inference.
	VADWindowSamples int `mapstructure:"vad_window_samples"`
}

type STTConfig struct {
	ForwardInterim bool `mapstructure:"forward_interim"`
}

type TurnConfig struct {
	BargeInThresholdMS int `mapstructure:"barge_in_threshold_ms"`
	MinBargeInMS       int `mapstructure:"min_barge_in_ms"`
	SilenceWindowMS    int `mapstructure:"silence_window_ms"`
}

type ContextConfig struct {
	MaxHistory int `mapstructure:"max_history"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("pipeline.async", true)
	v.SetDefault("pipeline.stagebuffer", 128)
	v.SetDefault("pipeline.highcapacity", 256)
	v.SetDefault("pipeline.lowcapacity", 512)
	v.SetDefault("pipeline.fairnessratio", 3)
	v.SetDefault("pipeline.backpressure", "drop")
	v.SetDefault("audio.input_sample_rate", 16000)
	v.SetDefault("audio.output_sample_rate", 48000)
	v.SetDefault("audio.vad_window_samples", 512)
	v.SetDefault("stt.forward_interim", false)
	v.SetDefault("turn.barge_in_threshold_ms", 500)
	v.SetDefault("turn.min_barge_in_ms", 300)
	v.SetDefault("turn.silence_window_ms", 700)
	v.SetDefault("context.max_history", 12)
	v.SetDefault("agent_name", "my-agent")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("greeting", "Greet the user and offer your assistance.")
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		Pipeline struct {
			Async         bool   `mapstructure:"async"`
			StageBuffer   int    `mapstructure:"stagebuffer"`
			HighCapacity  int    `mapstructure:"highcapacity"`
			LowCapacity   int    `mapstructure:"lowcapacity"`
			FairnessRatio int    `mapstructure:"fairnessratio"`
			Backpressure  string `mapstructure:"backpressure"`
		} `mapstructure:"pipeline"`
		Audio        AudioConfig        `mapstructure:"audio"`
		Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
		Transports   TransportsConfig   `mapstructure:"transports"`
		STT          STTConfig          `mapstructure:"stt"`
		Turn         TurnConfig         `mapstructure:"turn"`
		Context      ContextConfig      `mapstructure:"context"`
		AgentName    string             `mapstructure:"agent_name"`
		Environment  string             `mapstructure:"environment"`
		LogLevel     string             `mapstructure:"log_level"`
		LogFormat    string             `mapstructure:"log_format"`
		Instructions string             `mapstructure:"instructions"`
		Greeting     string             `mapstructure:"greeting"`
		Privacy      PrivacyConfig      `mapstructure:"privacy"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := Config{
		Pipeline: pipeline.Config{
			Async:         raw.Pipeline.Async,
			StageBuffer:   raw.Pipeline.StageBuffer,
			HighCapacity:  raw.Pipeline.HighCapacity,
			LowCapacity:   raw.Pipeline.LowCapacity,
			FairnessRatio: raw.Pipeline.FairnessRatio,
			Backpressure:  parseBackpressure(raw.Pipeline.Backpressure),
		},
		Audio:        raw.Audio,
		Capabilities: raw.Capabilities,
		Transports:   raw.Transports,
		STT:          raw.STT,
		Turn:         raw.Turn,
		Context:      raw.Context,
		AgentName:    raw.AgentName,
		Environment:  raw.Environment,
		LogLevel:     raw.LogLevel,
		LogFormat:    raw.LogFormat,
		Instructions: raw.Instructions,
		Greeting:     raw.Greeting,
		Privacy:      raw.Privacy,
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate enforces that every capability slot and the transport name a
// provider. Credential checks happen later when the factories are built, but
// an unbound slot is rejected here before anything starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	slots := []struct {
		path     string
		provider string
	}{
		{"capabilities.stt.provider", c.Capabilities.STT.Provider},
		{"capabilities.llm.provider", c.Capabilities.LLM.Provider},
		{"capabilities.tts.provider", c.Capabilities.TTS.Provider},
		{"capabilities.vad.provider", c.Capabilities.VAD.Provider},
		{"capabilities.turn_detection.provider", c.Capabilities.TurnDetection.Provider},
	}
	for _, slot := range slots {
		if strings.TrimSpace(slot.provider) == "" {
			return fmt.Errorf("%s is required", slot.path)
		}
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Capabilities.STT.Settings = expandSettings(cfg.Capabilities.STT.Settings)
	cfg.Capabilities.LLM.Settings = expandSettings(cfg.Capabilities.LLM.Settings)
	cfg.Capabilities.TTS.Settings = expandSettings(cfg.Capabilities.TTS.Settings)
	cfg.Capabilities.VAD.Settings = expandSettings(cfg.Capabilities.VAD.Settings)
	cfg.Capabilities.TurnDetection.Settings = expandSettings(cfg.Capabilities.TurnDetection.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}

func parseBackpressure(v string) pipeline.BackpressureMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wait":
		return pipeline.BackpressureWait
	case "drop", "":
		return pipeline.BackpressureDrop
	default:
		if n, err := strconv.Atoi(v); err == nil {
			return pipeline.BackpressureMode(n)
		}
	}
	return pipeline.BackpressureDrop
}
