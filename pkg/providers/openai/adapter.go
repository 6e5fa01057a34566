package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ariavoice/aria/pkg/errorsx"
	"github.com/ariavoice/aria/pkg/llm"
)

type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	body, err := a.buildRequest(input, false)
	if err != nil {
		return llm.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return llm.Response{}, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return llm.Response{}, err
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, err
	}
	return fromResponse(payload)
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Delta, error) {
	body, err := a.buildRequest(input, true)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	out := make(chan llm.Delta, 128)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk map[string]any
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			choices, _ := chunk["choices"].([]any)
			if len(choices) == 0 {
				continue
			}
			first, _ := choices[0].(map[string]any)
			delta, _ := first["delta"].(map[string]any)
			if text, _ := delta["content"].(string); text != "" {
				select {
				case <-ctx.Done():
					return
				case out <- llm.Delta{Text: text}:
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) buildRequest(input llm.Context, stream bool) (*bytes.Buffer, error) {
	messages := make([]map[string]any, 0, len(input.Messages)+1)
	if input.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": input.System})
	}
	for _, m := range input.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	req := map[string]any{
		"model":    a.Model,
		"stream":   stream,
		"messages": messages,
	}
	if stream {
		req["stream_options"] = map[string]any{"include_usage": true}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return errorsx.Wrap(errors.New(string(body)), errorsx.ReasonLLMRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return errors.New(string(body))
	}
	return nil
}

func fromResponse(payload map[string]any) (llm.Response, error) {
	choices, _ := payload["choices"].([]any)
	if len(choices) == 0 {
		return llm.Response{}, errors.New("no choices")
	}
	first, _ := choices[0].(map[string]any)
	msg, _ := first["message"].(map[string]any)
	content, _ := msg["content"].(string)
	resp := llm.Response{Text: content}
	if reason, _ := first["finish_reason"].(string); reason != "" {
		resp.FinishReason = reason
	}
	if usage, ok := payload["usage"].(map[string]any); ok {
		resp.Usage = llm.Usage{
			PromptTokens:     intValue(usage["prompt_tokens"]),
			CompletionTokens: intValue(usage["completion_tokens"]),
			TotalTokens:      intValue(usage["total_tokens"]),
		}
	}
	return resp, nil
}

func intValue(v any) int {
	f, _ := v.(float64)
	return int(f)
}

var _ llm.LLMAdapter = (*Adapter)(nil)
