package processors

import (
	"testing"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/vad"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/metrics"
)

type scriptedVAD struct {
	decisions []vad.Decision
	idx       int
	resets    int
}

func (s *scriptedVAD) Name() string { return "scripted_vad" }

func (s *scriptedVAD) Process(pcm []byte) (vad.Decision, error) {
	if s.idx >= len(s.decisions) {
		return vad.Decision{}, nil
	}
	d := s.decisions[s.idx]
	s.idx++
	return d, nil
}

func (s *scriptedVAD) Reset()       { s.resets++ }
func (s *scriptedVAD) Close() error { return nil }

func vadAudioFrame(samples int) frames.AudioFrame {
	return frames.NewAudioFrame("stream-1", time.Now().UnixNano(), make([]byte, samples*2), 16000, 1, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaRoom:     "room-1",
	})
}

func TestVADEmitsSpeechTransitions(t *testing.T) {
	det := &scriptedVAD{decisions: []vad.Decision{
		{Speech: true, Probability: 0.9},
		{Speech: true, Probability: 0.8},
		{Speech: false, Probability: 0.1},
	}}
	mgr := &fakeManager{}
	obs := metrics.NewMemoryObserver()
	proc := NewVADProcessor(det, 512)
	proc.SetTurnManager(mgr)
	proc.SetObserver(obs)

	out, err := proc.Process(vadAudioFrame(512 * 3))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	var codes []frames.ControlCode
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok {
			codes = append(codes, cf.Code())
		}
	}
	if len(codes) != 2 {
		t.Fatalf("expected start and end transitions, got %v", codes)
	}
	if codes[0] != frames.ControlSpeechStarted || codes[1] != frames.ControlSpeechEnded {
		t.Fatalf("unexpected transition order %v", codes)
	}
	if len(mgr.vadStates) != 3 {
		t.Fatalf("manager should see every window, got %d observations", len(mgr.vadStates))
	}
	var names []string
	for _, ev := range obs.Events {
		names = append(names, ev.Name)
	}
	if len(names) != 2 || names[0] != "vad_speech_start" || names[1] != "vad_speech_end" {
		t.Fatalf("unexpected metric events %v", names)
	}
}

func TestVADBuffersPartialWindows(t *testing.T) {
	det := &scriptedVAD{decisions: []vad.Decision{{Speech: true, Probability: 0.9}}}
	proc := NewVADProcessor(det, 512)

	out, err := proc.Process(vadAudioFrame(256))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	for _, f := range out {
		if f.Kind() == frames.KindControl {
			t.Fatalf("partial window must not trigger a decision")
		}
	}
	out, err = proc.Process(vadAudioFrame(256))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	var sawStart bool
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlSpeechStarted {
			sawStart = true
		}
	}
	if !sawStart {
		t.Fatalf("expected speech start once the window filled")
	}
}

func TestVADSessionEndResetsDetector(t *testing.T) {
	det := &scriptedVAD{}
	proc := NewVADProcessor(det, 512)

	end := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), frames.SystemSessionEnd, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	if _, err := proc.Process(end); err != nil {
		t.Fatalf("process error: %v", err)
	}
	if det.resets != 1 {
		t.Fatalf("expected detector reset on session end, got %d", det.resets)
	}
}
