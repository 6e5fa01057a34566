package processors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/stt"
	"github.com/ariavoice/aria/pkg/frames"
)

type mockSTT struct {
	startCount int
	startErr   error
	closeCount int
	audioSent  int
	out        chan frames.Frame
}

func (m *mockSTT) Name() string { return "mock_stt" }

func (m *mockSTT) Start(ctx context.Context) error {
	m.startCount++
	return m.startErr
}

func (m *mockSTT) Close() error {
	m.closeCount++
	return nil
}

func (m *mockSTT) SendAudio(f frames.AudioFrame) error {
	m.audioSent++
	return nil
}

func (m *mockSTT) Results() <-chan frames.Frame { return m.out }

func sttAudioFrame() frames.AudioFrame {
	return frames.NewAudioFrame("stream-1", time.Now().UnixNano(), []byte{0, 0, 0, 0}, 16000, 1, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaRoom:     "room-1",
	})
}

func TestSTTProcessorLazySessionAndForwarding(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 4)}
	proc := NewSTTProcessor(func(room, streamID string) stt.StreamingSTT { return mock })

	final := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "hello world", map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "true",
	})
	mock.out <- final

	out, err := proc.Process(sttAudioFrame())
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if mock.startCount != 1 {
		t.Fatalf("expected one lazy session start, got %d", mock.startCount)
	}
	if mock.audioSent != 1 {
		t.Fatalf("expected audio forwarded, got %d", mock.audioSent)
	}
	if len(out) != 1 || out[0].(frames.TextFrame).Text() != "hello world" {
		t.Fatalf("expected final transcript drained, got %v", out)
	}
}

func TestSTTProcessorDropsInterimByDefault(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 4)}
	proc := NewSTTProcessor(func(room, streamID string) stt.StreamingSTT { return mock })

	interim := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "hel", map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
	})
	mock.out <- interim

	out, err := proc.Process(sttAudioFrame())
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("interim transcripts should be dropped by default, got %d frames", len(out))
	}
}

func TestSTTProcessorForwardsInterimWhenEnabled(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 4)}
	proc := NewSTTProcessor(func(room, streamID string) stt.StreamingSTT { return mock })
	proc.SetForwardInterim(true)

	interim := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "hel", map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
	})
	mock.out <- interim

	out, err := proc.Process(sttAudioFrame())
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected interim forwarded, got %d frames", len(out))
	}
}

// A stream whose provider connection failed once must stay dead: the first
// frame surfaces the error, later frames are dropped without a reconnect.
func TestSTTProcessorDoesNotReconnectAfterStartFailure(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 1), startErr: errors.New("dial refused")}
	proc := NewSTTProcessor(func(room, streamID string) stt.StreamingSTT { return mock })

	if _, err := proc.Process(sttAudioFrame()); err == nil {
		t.Fatalf("expected connect error on first frame")
	}
	out, err := proc.Process(sttAudioFrame())
	if err != nil {
		t.Fatalf("later frames should be dropped silently, got %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no output from a dead stream, got %d frames", len(out))
	}
	if mock.startCount != 1 {
		t.Fatalf("expected a single connect attempt, got %d", mock.startCount)
	}
}

// An adopted session was connected during bootstrap; the first audio frame
// must reuse it instead of dialing again.
func TestSTTProcessorAdoptSkipsDial(t *testing.T) {
	adopted := &mockSTT{out: make(chan frames.Frame, 1)}
	proc := NewSTTProcessor(func(room, streamID string) stt.StreamingSTT {
		t.Fatalf("factory must not run for an adopted stream")
		return nil
	})
	proc.Adopt("stream-1", "room-1", adopted)

	if _, err := proc.Process(sttAudioFrame()); err != nil {
		t.Fatalf("process error: %v", err)
	}
	if adopted.audioSent != 1 {
		t.Fatalf("expected audio forwarded to the adopted session, got %d", adopted.audioSent)
	}
	if adopted.startCount != 0 {
		t.Fatalf("adopted session must not be restarted, got %d starts", adopted.startCount)
	}
}

func TestSTTProcessorSessionEndCloses(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 1)}
	proc := NewSTTProcessor(func(room, streamID string) stt.StreamingSTT { return mock })

	if _, err := proc.Process(sttAudioFrame()); err != nil {
		t.Fatalf("process error: %v", err)
	}
	end := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), frames.SystemSessionEnd, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	if _, err := proc.Process(end); err != nil {
		t.Fatalf("process error: %v", err)
	}
	if mock.closeCount != 1 {
		t.Fatalf("expected session close, got %d", mock.closeCount)
	}
}
