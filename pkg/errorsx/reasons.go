package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigInvalid        ReasonCode = "config_invalid"
	ReasonProviderUnregistered ReasonCode = "provider_unregistered"
	ReasonSessionBootstrap     ReasonCode = "session_bootstrap"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSSend      ReasonCode = "tts_send"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	ReasonLLMGenerate  ReasonCode = "llm_generate"
	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"

	ReasonVADInit  ReasonCode = "vad_init"
	ReasonVADInfer ReasonCode = "vad_infer"

	ReasonTransportJoin ReasonCode = "transport_join"
	ReasonTransportSend ReasonCode = "transport_send"
)
