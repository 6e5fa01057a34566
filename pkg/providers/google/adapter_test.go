package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ariavoice/aria/pkg/errorsx"
	"github.com/ariavoice/aria/pkg/llm"
)

func newTestAdapter(url string) *Adapter {
	a := NewAdapter("test-key", "gemini-3-flash-preview")
	a.BaseURL = url
	return a
}

func TestGenerateParsesTextAndThought(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{
			"candidates": [{
				"content": {"role": "model", "parts": [
					{"text": "thinking about it", "thought": true},
					{"text": "The answer is 4."}
				]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "thoughtsTokenCount": 7}
		}`))
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	resp, err := a.Generate(context.Background(), llm.Context{
		System:   "Be brief.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "2+2?"}},
	})
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if resp.Text != "The answer is 4." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Thought != "thinking about it" {
		t.Fatalf("unexpected thought %q", resp.Thought)
	}
	if resp.Usage.ThoughtTokens != 7 {
		t.Fatalf("unexpected thought tokens %d", resp.Usage.ThoughtTokens)
	}

	genConfig, _ := gotBody["generationConfig"].(map[string]any)
	if genConfig["temperature"].(float64) != 0.8 {
		t.Fatalf("unexpected temperature %v", genConfig["temperature"])
	}
	thinking, _ := genConfig["thinkingConfig"].(map[string]any)
	if thinking["includeThoughts"] != true {
		t.Fatalf("expected includeThoughts")
	}
	if _, ok := gotBody["systemInstruction"]; !ok {
		t.Fatalf("expected system instruction in request")
	}
}

func TestStreamSeparatesThoughtDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"hmm","thought":true}]}}]}` + "\n\n"))
		_, _ = w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"Hello "}]}}]}` + "\n\n"))
		_, _ = w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"world."}]}}]}` + "\n\n"))
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	ch, err := a.Stream(context.Background(), llm.Context{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	var deltas []llm.Delta
	for d := range ch {
		deltas = append(deltas, d)
	}
	if len(deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %d", len(deltas))
	}
	if !deltas[0].Thought || deltas[0].Text != "hmm" {
		t.Fatalf("expected leading thought delta, got %+v", deltas[0])
	}
	if deltas[1].Thought || deltas[2].Thought {
		t.Fatalf("reply deltas must not be thoughts")
	}
	if deltas[1].Text+deltas[2].Text != "Hello world." {
		t.Fatalf("unexpected reply %q", deltas[1].Text+deltas[2].Text)
	}
}

func TestRateLimitWrapsReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`quota exceeded`))
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	_, err := a.Generate(context.Background(), llm.Context{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if errorsx.Reason(err) != errorsx.ReasonLLMRateLimit {
		t.Fatalf("expected rate limit reason, got %q", errorsx.Reason(err))
	}
}

func TestAssistantRoleMapsToModel(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	_, err := a.Generate(context.Background(), llm.Context{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	contents, _ := gotBody["contents"].([]any)
	if len(contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(contents))
	}
	second, _ := contents[1].(map[string]any)
	if second["role"] != "model" {
		t.Fatalf("assistant role should map to model, got %v", second["role"])
	}
}
