package llm

import "context"

type Message struct {
	Role    string
	Content string
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Context is the prompt state for one generation: the agent instructions
// plus the conversation so far.
type Context struct {
	System   string
	Messages []Message
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ThoughtTokens    int
	TotalTokens      int
}

type Response struct {
	Text string
	// Thought holds the model's reasoning summary when the provider
	// returns one.
	Thought      string
	Usage        Usage
	FinishReason string
}

// Delta is one streamed chunk. Thought deltas are model reasoning and are
// logged rather than synthesized.
type Delta struct {
	Text    string
	Thought bool
}

type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan Delta, error)
	Name() string
}
