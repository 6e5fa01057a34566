package processors

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/llm"
)

type fakeLLM struct {
	deltas   []llm.Delta
	reply    string
	lastCtx  llm.Context
	streamed int
}

func (f *fakeLLM) Name() string { return "fake_llm" }

func (f *fakeLLM) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	f.lastCtx = input
	return llm.Response{Text: f.reply}, nil
}

func (f *fakeLLM) Stream(ctx context.Context, input llm.Context) (<-chan llm.Delta, error) {
	f.lastCtx = input
	f.streamed++
	ch := make(chan llm.Delta, len(f.deltas))
	for _, d := range f.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

// manualLLM exposes the delta channel directly so a test can hold the stream
// open and feed tokens one at a time.
type manualLLM struct {
	ch chan llm.Delta
}

func (m *manualLLM) Name() string { return "manual_llm" }

func (m *manualLLM) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	return llm.Response{}, nil
}

func (m *manualLLM) Stream(ctx context.Context, input llm.Context) (<-chan llm.Delta, error) {
	return m.ch, nil
}

func userTurnFrame(text string) frames.TextFrame {
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaRoom:     "room-1",
		frames.MetaSource:   "turn",
		frames.MetaIsFinal:  "true",
	}
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, meta)
}

func TestLLMStreamsReplyWithInterruptionControl(t *testing.T) {
	adapter := &fakeLLM{deltas: []llm.Delta{{Text: "Hello "}, {Text: "there."}}}
	proc := NewLLMProcessor(adapter, "You are helpful.")

	out, err := proc.Process(userTurnFrame("Hi"))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) < 2 {
		t.Fatalf("expected control frame plus reply, got %d frames", len(out))
	}
	cf, ok := out[0].(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlStartInterruption {
		t.Fatalf("expected leading start_interruption control, got %v", out[0])
	}
	var reply strings.Builder
	var sawFinal bool
	for _, f := range out[1:] {
		tf, ok := f.(frames.TextFrame)
		if !ok {
			t.Fatalf("expected text frames after control, got %v", f)
		}
		reply.WriteString(tf.Text())
		if tf.Meta()[frames.MetaIsFinal] == "true" {
			sawFinal = true
		}
	}
	if got := reply.String(); got != "Hello there." {
		t.Fatalf("unexpected reply text %q", got)
	}
	if !sawFinal {
		t.Fatalf("expected last chunk to carry the final marker")
	}
	if adapter.lastCtx.System != "You are helpful." {
		t.Fatalf("system prompt not forwarded")
	}
}

// With an emitter attached, each sentence chunk must leave the stage while
// the model is still producing, not as one batch after the stream closes.
func TestLLMEmitsChunksWhileStreaming(t *testing.T) {
	adapter := &manualLLM{ch: make(chan llm.Delta)}
	proc := NewLLMProcessor(adapter, "")
	emitted := make(chan frames.Frame, 8)
	proc.SetEmitter(func(f frames.Frame) error {
		emitted <- f
		return nil
	})

	out, err := proc.Process(userTurnFrame("Hi"))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected only the interruption control synchronously, got %d frames", len(out))
	}
	cf, ok := out[0].(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlStartInterruption {
		t.Fatalf("expected start_interruption control, got %v", out[0])
	}

	adapter.ch <- llm.Delta{Text: "This reply is long enough to speak."}
	select {
	case f := <-emitted:
		tf, ok := f.(frames.TextFrame)
		if !ok {
			t.Fatalf("expected a text chunk, got %v", f)
		}
		if tf.Text() != "This reply is long enough to speak." {
			t.Fatalf("unexpected chunk %q", tf.Text())
		}
		if tf.Meta()[frames.MetaSource] != "llm" {
			t.Fatalf("chunk must carry the llm source, got %v", tf.Meta())
		}
		if tf.Meta()[frames.MetaIsFinal] == "true" {
			t.Fatalf("mid-stream chunk must not carry the final marker")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("chunk was not delivered while the stream was open")
	}

	close(adapter.ch)
	select {
	case f := <-emitted:
		if f.Meta()[frames.MetaIsFinal] != "true" {
			t.Fatalf("expected the final marker after stream close, got %v", f.Meta())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("final marker never arrived")
	}
}

// Reply chunks come back through the pipeline head; the stage must pass its
// own output through instead of treating it as a new user turn.
func TestLLMPassesOwnChunksThrough(t *testing.T) {
	adapter := &fakeLLM{deltas: []llm.Delta{{Text: "no"}}}
	proc := NewLLMProcessor(adapter, "")

	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "llm",
		frames.MetaIsFinal:  "true",
	}
	chunk := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "My own reply.", meta)
	out, err := proc.Process(chunk)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 1 || out[0].(frames.TextFrame).Text() != "My own reply." {
		t.Fatalf("expected the chunk forwarded untouched, got %v", out)
	}
	if adapter.streamed != 0 {
		t.Fatalf("own output must not trigger a generation")
	}
}

func TestLLMKeepsHistoryPerRoom(t *testing.T) {
	adapter := &fakeLLM{deltas: []llm.Delta{{Text: "Sure."}}}
	proc := NewLLMProcessor(adapter, "")

	if _, err := proc.Process(userTurnFrame("First question")); err != nil {
		t.Fatalf("process error: %v", err)
	}
	hist := proc.History("room:room-1")
	if len(hist) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(hist))
	}
	if hist[0].Role != llm.RoleUser || hist[0].Content != "First question" {
		t.Fatalf("unexpected first message %+v", hist[0])
	}
	if hist[1].Role != llm.RoleAssistant || hist[1].Content != "Sure." {
		t.Fatalf("unexpected second message %+v", hist[1])
	}
}

func TestLLMIgnoresInterimText(t *testing.T) {
	adapter := &fakeLLM{deltas: []llm.Delta{{Text: "no"}}}
	proc := NewLLMProcessor(adapter, "")

	meta := map[string]string{frames.MetaStreamID: "stream-1"}
	interim := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "partial", meta)
	out, err := proc.Process(interim)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("interim text should not trigger generation, got %d frames", len(out))
	}
	if adapter.streamed != 0 {
		t.Fatalf("adapter should not have been called")
	}
}

func TestLLMThoughtDeltasNotSpoken(t *testing.T) {
	adapter := &fakeLLM{deltas: []llm.Delta{
		{Text: "internal reasoning", Thought: true},
		{Text: "Spoken answer."},
	}}
	proc := NewLLMProcessor(adapter, "")

	out, err := proc.Process(userTurnFrame("question"))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	for _, f := range out {
		if tf, ok := f.(frames.TextFrame); ok {
			if strings.Contains(tf.Text(), "internal reasoning") {
				t.Fatalf("thought text leaked into reply: %q", tf.Text())
			}
		}
	}
	hist := proc.History("room:room-1")
	if hist[len(hist)-1].Content != "Spoken answer." {
		t.Fatalf("history should hold only spoken text, got %q", hist[len(hist)-1].Content)
	}
}

func TestLLMGreetingFromSystemFrame(t *testing.T) {
	adapter := &fakeLLM{reply: "Hi! How can I help?"}
	proc := NewLLMProcessor(adapter, "")

	meta := map[string]string{
		frames.MetaStreamID:     "stream-1",
		frames.MetaRoom:         "room-1",
		frames.MetaGreetingText: "Greet the user and offer your assistance.",
	}
	sf := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), frames.SystemSessionStart, meta)
	out, err := proc.Process(sf)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one greeting frame, got %d", len(out))
	}
	tf, ok := out[0].(frames.TextFrame)
	if !ok {
		t.Fatalf("expected text frame, got %v", out[0])
	}
	if tf.Text() != "Hi! How can I help?" {
		t.Fatalf("unexpected greeting %q", tf.Text())
	}
	if tf.Meta()[frames.MetaIsFinal] != "true" {
		t.Fatalf("greeting must be a final chunk")
	}
	hist := proc.History("room:room-1")
	if len(hist) != 1 || hist[0].Role != llm.RoleAssistant {
		t.Fatalf("greeting should open the assistant history, got %+v", hist)
	}
}

func TestLLMHistoryPruned(t *testing.T) {
	adapter := &fakeLLM{deltas: []llm.Delta{{Text: "ok"}}}
	proc := NewLLMProcessor(adapter, "")
	proc.SetMemoryLimits(2)

	for i := 0; i < 3; i++ {
		if _, err := proc.Process(userTurnFrame("turn")); err != nil {
			t.Fatalf("process error: %v", err)
		}
	}
	hist := proc.History("room:room-1")
	if len(hist) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(hist))
	}
}

func TestLLMSessionEndClearsHistory(t *testing.T) {
	adapter := &fakeLLM{deltas: []llm.Delta{{Text: "ok"}}}
	proc := NewLLMProcessor(adapter, "")

	if _, err := proc.Process(userTurnFrame("hello")); err != nil {
		t.Fatalf("process error: %v", err)
	}
	meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaRoom: "room-1"}
	end := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), frames.SystemSessionEnd, meta)
	if _, err := proc.Process(end); err != nil {
		t.Fatalf("process error: %v", err)
	}
	if hist := proc.History("room:room-1"); len(hist) != 0 {
		t.Fatalf("expected cleared history, got %d messages", len(hist))
	}
}
