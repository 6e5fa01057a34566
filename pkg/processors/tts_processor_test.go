package processors

import (
	"context"
	"testing"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/tts"
	"github.com/ariavoice/aria/pkg/frames"
)

type mockTTS struct {
	flushCount int
	startCount int
	closeCount int
	texts      []string
	flushed    []bool
	out        chan frames.Frame
}

func (m *mockTTS) Name() string { return "mock_tts" }

func (m *mockTTS) Start(ctx context.Context) error {
	m.startCount++
	return nil
}

func (m *mockTTS) Close() error {
	m.closeCount++
	return nil
}

func (m *mockTTS) SendText(text string) error {
	m.texts = append(m.texts, text)
	m.flushed = append(m.flushed, false)
	return nil
}

func (m *mockTTS) SendTextWithOptions(text string, flush bool) error {
	m.texts = append(m.texts, text)
	m.flushed = append(m.flushed, flush)
	return nil
}

func (m *mockTTS) Flush() { m.flushCount++ }

func (m *mockTTS) Results() <-chan frames.Frame { return m.out }

func newTTSProc(mock *mockTTS) *TTSProcessor {
	return NewTTSProcessor(func(room, streamID string) tts.StreamingTTS { return mock })
}

func ttsMeta() map[string]string {
	return map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaRoom:     "room-1",
		frames.MetaSource:   "llm",
	}
}

func TestTTSProcessorInterruptionFlush(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	proc := newTTSProc(mock)

	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Hello", ttsMeta())
	if _, err := proc.Process(text); err != nil {
		t.Fatalf("process text: %v", err)
	}
	if mock.startCount != 1 {
		t.Fatalf("expected one session start, got %d", mock.startCount)
	}

	ctrl := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlStartInterruption, ttsMeta())
	if _, err := proc.Process(ctrl); err != nil {
		t.Fatalf("process interruption: %v", err)
	}
	if mock.flushCount == 0 {
		t.Fatalf("expected flush to be called on interruption")
	}
}

func TestTTSProcessorFinalChunkFlushes(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	proc := newTTSProc(mock)

	meta := ttsMeta()
	meta[frames.MetaIsFinal] = "true"
	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Goodbye.", meta)
	if _, err := proc.Process(text); err != nil {
		t.Fatalf("process text: %v", err)
	}
	if len(mock.flushed) != 1 || !mock.flushed[0] {
		t.Fatalf("final chunk should be sent with flush, got %v", mock.flushed)
	}
}

func TestTTSProcessorSkipsThoughtText(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	proc := newTTSProc(mock)

	meta := ttsMeta()
	meta[frames.MetaThought] = "true"
	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "reasoning", meta)
	out, err := proc.Process(text)
	if err != nil {
		t.Fatalf("process text: %v", err)
	}
	if len(out) != 0 || len(mock.texts) != 0 {
		t.Fatalf("thought text must not reach synthesis")
	}
}

func TestTTSProcessorDrainsSynthesizedAudio(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 2)}
	proc := newTTSProc(mock)

	audio := frames.NewAudioFrame("stream-1", time.Now().UnixNano(), []byte{1, 2, 3, 4}, 48000, 1, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "tts",
	})
	mock.out <- audio

	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Hello", ttsMeta())
	out, err := proc.Process(text)
	if err != nil {
		t.Fatalf("process text: %v", err)
	}
	var sawAudio bool
	for _, f := range out {
		if f.Kind() == frames.KindAudio {
			sawAudio = true
		}
	}
	if !sawAudio {
		t.Fatalf("expected synthesized audio drained into output")
	}
}

// Audio that the provider synthesizes after the reply's last text chunk has
// already passed the stage must still reach the pipeline: the pump buffers it
// and wakes the stage with an audio_ready control.
func TestTTSProcessorPumpDeliversLateAudio(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 2)}
	proc := newTTSProc(mock)

	pokes := make(chan frames.Frame, 4)
	proc.SetEmitter(func(f frames.Frame) error {
		pokes <- f
		return nil
	})

	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Hello", ttsMeta())
	out, err := proc.Process(text)
	if err != nil {
		t.Fatalf("process text: %v", err)
	}
	for _, f := range out {
		if f.Kind() == frames.KindAudio {
			t.Fatalf("no audio was synthesized yet")
		}
	}

	// Synthesis finishes only after the text chunk has left the stage.
	audio := frames.NewAudioFrame("stream-1", time.Now().UnixNano(), []byte{1, 2, 3, 4}, 48000, 1, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "tts",
	})
	mock.out <- audio

	var poke frames.Frame
	select {
	case poke = <-pokes:
	case <-time.After(2 * time.Second):
		t.Fatalf("pump never signalled audio_ready")
	}
	cf, ok := poke.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlAudioReady {
		t.Fatalf("unexpected wakeup frame %#v", poke)
	}

	out, err = proc.Process(poke)
	if err != nil {
		t.Fatalf("process audio_ready: %v", err)
	}
	var sawAudio bool
	for _, f := range out {
		if f.Kind() == frames.KindAudio {
			sawAudio = true
		}
	}
	if !sawAudio {
		t.Fatalf("buffered audio was not delivered on audio_ready")
	}
}

func TestTTSProcessorInterruptionPurgesPumpedAudio(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 2)}
	proc := newTTSProc(mock)

	pokes := make(chan frames.Frame, 4)
	proc.SetEmitter(func(f frames.Frame) error {
		pokes <- f
		return nil
	})

	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Hello", ttsMeta())
	if _, err := proc.Process(text); err != nil {
		t.Fatalf("process text: %v", err)
	}
	audio := frames.NewAudioFrame("stream-1", time.Now().UnixNano(), []byte{1, 2}, 48000, 1, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	mock.out <- audio
	select {
	case <-pokes:
	case <-time.After(2 * time.Second):
		t.Fatalf("pump never signalled audio_ready")
	}

	ctrl := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlStartInterruption, ttsMeta())
	if _, err := proc.Process(ctrl); err != nil {
		t.Fatalf("process interruption: %v", err)
	}

	ready := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlAudioReady, ttsMeta())
	out, err := proc.Process(ready)
	if err != nil {
		t.Fatalf("process audio_ready: %v", err)
	}
	for _, f := range out {
		if f.Kind() == frames.KindAudio {
			t.Fatalf("interrupted audio must not be delivered")
		}
	}
}

func TestTTSProcessorSessionEndCloses(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	proc := newTTSProc(mock)

	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Hello", ttsMeta())
	if _, err := proc.Process(text); err != nil {
		t.Fatalf("process text: %v", err)
	}
	end := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), frames.SystemSessionEnd, ttsMeta())
	if _, err := proc.Process(end); err != nil {
		t.Fatalf("process session end: %v", err)
	}
	if mock.closeCount != 1 {
		t.Fatalf("expected session close on session end, got %d", mock.closeCount)
	}
}
