package google

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

// ThinkingLevel maps to a Gemini thinking budget in tokens. Thought summaries
// come back as separate parts and surface as thought deltas.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

func (l ThinkingLevel) budget() int {
	switch l {
	case ThinkingOff:
		return 0
	case ThinkingLow:
		return 512
	case ThinkingHigh:
		return 8192
	default:
		return 2048
	}
}

type Adapter struct {
	APIKey          string
	Model           string
	BaseURL         string
	Temperature     float64
	ThinkingLevel   ThinkingLevel
	IncludeThoughts bool
	Client          *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:          apiKey,
		Model:           model,
		BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
		Temperature:     0.8,
		ThinkingLevel:   ThinkingMedium,
		IncludeThoughts: true,
		Client:          &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "google_gemini" }

type geminiPart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	} `json:"usageMetadata"`
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	body, err := a.buildRequest(input)
	if err != nil {
		return llm.Response{}, err
	}
	endpoint := a.BaseURL + "/models/" + a.Model + ":generateContent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
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
	var payload geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, err
	}
	return fromResponse(payload)
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Delta, error) {
	body, err := a.buildRequest(input)
	if err != nil {
		return nil, err
	}
	endpoint := a.BaseURL + "/models/" + a.Model + ":streamGenerateContent?alt=sse"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
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
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			var chunk geminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			for _, cand := range chunk.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text == "" {
						continue
					}
					select {
					case <-ctx.Done():
						return
					case out <- llm.Delta{Text: part.Text, Thought: part.Thought}:
					}
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) buildRequest(input llm.Context) (*bytes.Buffer, error) {
	contents := make([]geminiContent, 0, len(input.Messages))
	for _, m := range input.Messages {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	genConfig := map[string]any{
		"temperature": a.Temperature,
		"thinkingConfig": map[string]any{
			"thinkingBudget":  a.ThinkingLevel.budget(),
			"includeThoughts": a.IncludeThoughts,
		},
	}
	req := map[string]any{
		"contents":         contents,
		"generationConfig": genConfig,
	}
	if input.System != "" {
		req["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: input.System}}}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", a.APIKey)
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

func fromResponse(payload geminiResponse) (llm.Response, error) {
	if len(payload.Candidates) == 0 {
		return llm.Response{}, errors.New("no candidates")
	}
	cand := payload.Candidates[0]
	var text strings.Builder
	var thought strings.Builder
	for _, part := range cand.Content.Parts {
		if part.Thought {
			thought.WriteString(part.Text)
			continue
		}
		text.WriteString(part.Text)
	}
	return llm.Response{
		Text:         text.String(),
		Thought:      thought.String(),
		FinishReason: cand.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     payload.UsageMetadata.PromptTokenCount,
			CompletionTokens: payload.UsageMetadata.CandidatesTokenCount,
			ThoughtTokens:    payload.UsageMetadata.ThoughtsTokenCount,
		},
	}, nil
}

var _ llm.LLMAdapter = (*Adapter)(nil)
