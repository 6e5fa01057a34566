package aria

import (
	"fmt"
	"strings"

	"github.com/ariavoice/aria/pkg/adapters/stt"
	"github.com/ariavoice/aria/pkg/adapters/tts"
	"github.com/ariavoice/aria/pkg/adapters/turndetect"
	"github.com/ariavoice/aria/pkg/adapters/vad"
	"github.com/ariavoice/aria/pkg/llm"
)

// Factory builders run once per engine at startup. They validate the slot's
// settings (including credentials) and return a per-session constructor, so a
// bad binding fails before any session is accepted.
type STTFactoryBuilder func(cfg Config, traceID string) (func(room, streamID string) stt.StreamingSTT, error)
type TTSFactoryBuilder func(cfg Config) (func(room, streamID string) tts.StreamingTTS, error)
type LLMFactory func(cfg Config) (llm.LLMAdapter, error)

// VAD and turn detectors keep per-utterance state, so the builders return
// constructors invoked once per session.
type VADFactoryBuilder func(cfg Config) (func() (vad.Detector, error), error)
type TurnDetectorFactoryBuilder func(cfg Config) (func() turndetect.Detector, error)

// ProviderRegistry maps provider names to factory builders for each of the
// five capability slots.
type ProviderRegistry struct {
	stt        map[string]STTFactoryBuilder
	tts        map[string]TTSFactoryBuilder
	llm        map[string]LLMFactory
	vad        map[string]VADFactoryBuilder
	turndetect map[string]TurnDetectorFactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:        make(map[string]STTFactoryBuilder),
		tts:        make(map[string]TTSFactoryBuilder),
		llm:        make(map[string]LLMFactory),
		vad:        make(map[string]VADFactoryBuilder),
		turndetect: make(map[string]TurnDetectorFactoryBuilder),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactoryBuilder) {
	r.tts[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterVAD(name string, factory VADFactoryBuilder) {
	r.vad[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTurnDetector(name string, factory TurnDetectorFactoryBuilder) {
	r.turndetect[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config, traceID string) (func(room, streamID string) stt.StreamingSTT, error) {
	fn := r.stt[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg, traceID)
}

func (r *ProviderRegistry) BuildTTSFactory(provider string, cfg Config) (func(room, streamID string) tts.StreamingTTS, error) {
	fn := r.tts[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.LLMAdapter, error) {
	fn := r.llm[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildVADFactory(provider string, cfg Config) (func() (vad.Detector, error), error) {
	fn := r.vad[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("vad provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTurnDetectorFactory(provider string, cfg Config) (func() turndetect.Detector, error) {
	fn := r.turndetect[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("turn detection provider not registered: %s", provider)
	}
	return fn(cfg)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
