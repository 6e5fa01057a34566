package mock

import (
	"context"

	"github.com/ariavoice/aria/pkg/llm"
)

type LLMConfig struct {
	ResponseText string
	ThoughtText  string
	StreamChunks []string
}

type LLMAdapter struct {
	cfg LLMConfig
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	return llm.Response{
		Text:    a.cfg.ResponseText,
		Thought: a.cfg.ThoughtText,
	}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Delta, error) {
	out := make(chan llm.Delta, len(a.cfg.StreamChunks)+2)
	if a.cfg.ThoughtText != "" {
		out <- llm.Delta{Text: a.cfg.ThoughtText, Thought: true}
	}
	if len(a.cfg.StreamChunks) > 0 {
		for _, chunk := range a.cfg.StreamChunks {
			out <- llm.Delta{Text: chunk}
		}
	} else {
		out <- llm.Delta{Text: a.cfg.ResponseText}
	}
	close(out)
	return out, nil
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
