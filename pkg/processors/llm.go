package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/aggregators"
	"github.com/ariavoice/aria/pkg/errorsx"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/llm"
	"github.com/ariavoice/aria/pkg/metrics"
	"github.com/ariavoice/aria/pkg/pipeline"
	"github.com/ariavoice/aria/pkg/redact"
	"github.com/ariavoice/aria/pkg/turn"
)

// LLMProcessor turns completed user utterances into streamed assistant
// replies. Conversation history is kept per room scope; the agent
// instructions ride along as the system prompt on every generation.
type LLMProcessor struct {
	adapter         llm.LLMAdapter
	system          string
	messagesByScope map[string][]llm.Message
	mu              sync.Mutex
	ctx             context.Context
	obs             metrics.Observer
	manager         turn.Manager
	emit            func(frames.Frame) error
	maxHistory      int
}

const defaultLLMScope = "default"

func NewLLMProcessor(adapter llm.LLMAdapter, system string) *LLMProcessor {
	return &LLMProcessor{
		adapter:         adapter,
		system:          system,
		messagesByScope: make(map[string][]llm.Message),
		ctx:             context.Background(),
	}
}

func (p *LLMProcessor) Name() string { return "llm" }

func (p *LLMProcessor) SetObserver(obs metrics.Observer) {
	p.obs = obs
	if setter, ok := p.adapter.(interface{ SetObserver(metrics.Observer) }); ok {
		setter.SetObserver(obs)
	}
}

func (p *LLMProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *LLMProcessor) SetTurnManager(m turn.Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manager = m
}

// SetEmitter switches the reply path to progressive delivery: each
// sentence-sized chunk re-enters the pipeline as soon as the model produces
// it, instead of the whole reply landing after the stream closes.
func (p *LLMProcessor) SetEmitter(emit func(frames.Frame) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit = emit
}

// SetMemoryLimits caps how many non-system messages the history keeps.
func (p *LLMProcessor) SetMemoryLimits(maxHistory int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxHistory < 0 {
		maxHistory = 0
	}
	p.maxHistory = maxHistory
}

func (p *LLMProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		meta := sf.Meta()
		scope := p.scopeKey(meta, meta[frames.MetaStreamID])
		if sf.Name() == frames.SystemSessionEnd {
			p.clearScope(scope)
			return []frames.Frame{f}, nil
		}
		if greet := meta[frames.MetaGreetingText]; greet != "" {
			// Session-start greeting: speak a scripted line and remember
			// it as the opening assistant turn.
			streamID := meta[frames.MetaStreamID]
			reply, err := p.generateGreeting(greet, scope, streamID, meta)
			if err != nil {
				slog.Error("llm_greeting_error", "stream_id", streamID,
					"reason_code", string(errorsx.Reason(err)), "error", err.Error())
				return []frames.Frame{f}, nil
			}
			return reply, nil
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if meta[frames.MetaSource] == "llm" {
		// Own reply chunks re-entering at the pipeline head; pass them on
		// toward synthesis untouched.
		return []frames.Frame{f}, nil
	}
	if meta[frames.MetaIsFinal] != "true" {
		return nil, nil
	}
	streamID := meta[frames.MetaStreamID]
	scope := p.scopeKey(meta, streamID)

	safe := redact.Text(tf.Text())
	slog.Info("llm_input_received", "stream_id", streamID, "text", clipText(safe))

	input := p.contextWithUser(tf.Text(), scope)
	if p.manager != nil {
		p.manager.OnAgentThinkStart()
	}
	control := frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlStartInterruption, meta)
	out := []frames.Frame{control}

	ch, err := p.adapter.Stream(p.ctx, input)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonLLMStream)
		slog.Error("llm_stream_error", "stream_id", streamID,
			"reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.popLastMessage(scope) // rollback history to avoid a stuck user turn
		return out, nil
	}
	p.mu.Lock()
	emit := p.emit
	p.mu.Unlock()
	if emit != nil {
		go p.streamToFrames(tf, ch, func(fr frames.Frame) { _ = emit(fr) })
		return out, nil
	}
	return append(out, p.streamToFrames(tf, ch, nil)...), nil
}

// generateGreeting asks the model to produce the opening line from the
// greeting instruction, falling back to speaking the instruction verbatim
// when no adapter is wired.
func (p *LLMProcessor) generateGreeting(instruction, scope, streamID string, meta map[string]string) ([]frames.Frame, error) {
	if p.adapter == nil {
		meta[frames.MetaSource] = "llm"
		p.appendAssistant(scope, instruction)
		return []frames.Frame{frames.NewTextFrame(streamID, time.Now().UnixNano(), instruction, meta)}, nil
	}
	input := llm.Context{
		System:   p.system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: instruction}},
	}
	resp, err := p.adapter.Generate(p.ctx, input)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		text = instruction
	}
	p.appendAssistant(scope, text)
	outMeta := map[string]string{frames.MetaSource: "llm", frames.MetaIsFinal: "true"}
	for _, k := range []string{frames.MetaRoom, frames.MetaParticipant, frames.MetaTraceID} {
		if v := meta[k]; v != "" {
			outMeta[k] = v
		}
	}
	return []frames.Frame{frames.NewTextFrame(streamID, time.Now().UnixNano(), text, outMeta)}, nil
}

func (p *LLMProcessor) contextWithUser(text, scope string) llm.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	msgs = p.pruneMessagesLocked(msgs)
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
	return llm.Context{System: p.system, Messages: cloneMessages(msgs)}
}

func (p *LLMProcessor) scopeKey(meta map[string]string, streamID string) string {
	if meta != nil {
		if room := strings.TrimSpace(meta[frames.MetaRoom]); room != "" {
			return "room:" + room
		}
		if sid := strings.TrimSpace(meta[frames.MetaStreamID]); sid != "" {
			return "stream:" + sid
		}
	}
	if streamID != "" {
		return "stream:" + streamID
	}
	return defaultLLMScope
}

func scopeKeyOrDefault(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return defaultLLMScope
	}
	return scope
}

func (p *LLMProcessor) ensureMessagesLocked(scope string) []llm.Message {
	scope = scopeKeyOrDefault(scope)
	msgs, ok := p.messagesByScope[scope]
	if !ok {
		msgs = []llm.Message{}
		p.messagesByScope[scope] = msgs
	}
	return msgs
}

func (p *LLMProcessor) clearScope(scope string) {
	p.mu.Lock()
	delete(p.messagesByScope, scopeKeyOrDefault(scope))
	p.mu.Unlock()
}

func (p *LLMProcessor) pruneMessagesLocked(messages []llm.Message) []llm.Message {
	if p.maxHistory <= 0 || len(messages) <= p.maxHistory {
		return messages
	}
	return messages[len(messages)-p.maxHistory:]
}

func (p *LLMProcessor) streamToFrames(src frames.TextFrame, ch <-chan llm.Delta, sink func(frames.Frame)) []frames.Frame {
	var out []frames.Frame
	var full strings.Builder
	var thought strings.Builder
	first := true
	streamID := src.Meta()[frames.MetaStreamID]
	traceID := src.Meta()[frames.MetaTraceID]
	scope := p.scopeKey(src.Meta(), streamID)
	// Deltas are regrouped into sentence-sized chunks so synthesis can start
	// before the reply is complete.
	agg := aggregators.NewTextAggregator(aggregators.AggregatorConfig{
		MinLen:    24,
		MaxTokens: 128,
	})
	emitChunk := func(text string, flush bool) {
		meta := src.Meta()
		meta[frames.MetaSource] = "llm"
		if flush {
			meta[frames.MetaIsFinal] = "true"
		} else {
			delete(meta, frames.MetaIsFinal)
		}
		fr := frames.NewTextFrame(streamID, time.Now().UnixNano(), text, meta)
		if sink != nil {
			sink(fr)
			return
		}
		out = append(out, fr)
	}
	for d := range ch {
		if d.Thought {
			thought.WriteString(d.Text)
			continue
		}
		full.WriteString(d.Text)
		if first {
			first = false
			p.record("llm_first_token", streamID, traceID)
		}
		chunks, _ := agg.Process(frames.NewTextFrame(streamID, time.Now().UnixNano(), d.Text, nil))
		for _, c := range chunks {
			if tf, ok := c.(frames.TextFrame); ok {
				emitChunk(tf.Text(), false)
			}
		}
	}
	if rest := agg.Flush(); rest != "" {
		emitChunk(rest, true)
	} else {
		emitChunk("", true)
	}
	if thought.Len() > 0 {
		slog.Debug("llm_thought", "stream_id", streamID, "text", clipText(thought.String()))
	}
	p.appendAssistant(scope, full.String())
	p.recordWithFields("llm_output_text", streamID, traceID, map[string]any{"text": redact.Text(full.String())})
	p.record("llm_done", streamID, traceID)
	return out
}

func (p *LLMProcessor) appendAssistant(scope, text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: text})
	msgs = p.pruneMessagesLocked(msgs)
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
}

func (p *LLMProcessor) popLastMessage(scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	if len(msgs) == 0 {
		return
	}
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs[:len(msgs)-1]
}

func cloneMessages(in []llm.Message) []llm.Message {
	out := make([]llm.Message, len(in))
	copy(out, in)
	return out
}

// History exposes a copy of the scope's conversation, for tests.
func (p *LLMProcessor) History(scope string) []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneMessages(p.messagesByScope[scopeKeyOrDefault(scope)])
}

var _ pipeline.FrameProcessor = (*LLMProcessor)(nil)

func (p *LLMProcessor) record(name, streamID, traceID string) {
	p.recordWithFields(name, streamID, traceID, nil)
}

func (p *LLMProcessor) recordWithFields(name, streamID, traceID string, fields map[string]any) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "llm"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if p.adapter != nil {
		tags["provider"] = p.adapter.Name()
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}
