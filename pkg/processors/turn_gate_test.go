package processors

import (
	"testing"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/turndetect"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/providers/silence"
	"github.com/ariavoice/aria/pkg/turn"
)

// fakeManager records observations and answers EndOfTurn from a script.
type fakeManager struct {
	endOfTurn    bool
	vadStates    []bool
	transcripts  []string
	speechEnds   int
	sttInputs    int
	thinkStarts  int
	agentSpeechs int
}

func (m *fakeManager) OnUserSpeechStart() {}
func (m *fakeManager) OnUserSpeechEnd()   { m.speechEnds++ }
func (m *fakeManager) OnVADState(speaking bool, at time.Time) {
	m.vadStates = append(m.vadStates, speaking)
}
func (m *fakeManager) OnTranscript(text string, final bool, at time.Time) {
	m.transcripts = append(m.transcripts, text)
}
func (m *fakeManager) EndOfTurn(now time.Time) bool        { return m.endOfTurn }
func (m *fakeManager) OnAgentThinkStart()                  { m.thinkStarts++ }
func (m *fakeManager) OnAgentSpeechStart()                 { m.agentSpeechs++ }
func (m *fakeManager) OnAgentSpeechEnd()                   {}
func (m *fakeManager) OnAudioComplete()                    {}
func (m *fakeManager) OnSTTInput(duration time.Duration)   { m.sttInputs++ }
func (m *fakeManager) AddListener(listener turn.StateListener) {}
func (m *fakeManager) State() turn.State                   { return turn.StateListening }

func gateTextFrame(text string, final bool) frames.TextFrame {
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaRoom:     "room-1",
		frames.MetaSource:   "stt",
	}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, meta)
}

func TestTurnGateHoldsUntilEndOfTurn(t *testing.T) {
	mgr := &fakeManager{endOfTurn: false}
	gate := NewTurnGateProcessor(mgr)

	out, err := gate.Process(gateTextFrame("hello", true))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("transcript should be held while the turn is open, got %d frames", len(out))
	}

	mgr.endOfTurn = true
	out, err = gate.Process(gateTextFrame("there", true))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one utterance frame, got %d", len(out))
	}
	tf := out[0].(frames.TextFrame)
	if tf.Text() != "hello there" {
		t.Fatalf("expected joined utterance, got %q", tf.Text())
	}
	if tf.Meta()[frames.MetaIsFinal] != "true" || tf.Meta()[frames.MetaSource] != "turn" {
		t.Fatalf("unexpected utterance meta %v", tf.Meta())
	}
	if mgr.speechEnds != 1 {
		t.Fatalf("expected OnUserSpeechEnd once, got %d", mgr.speechEnds)
	}
}

func TestTurnGateEndOfTurnControlShortCircuits(t *testing.T) {
	mgr := &fakeManager{endOfTurn: false}
	gate := NewTurnGateProcessor(mgr)

	if _, err := gate.Process(gateTextFrame("final words", true)); err != nil {
		t.Fatalf("process error: %v", err)
	}
	ctrl := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlEndOfTurn, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	out, err := gate.Process(ctrl)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("provider end of turn should release the utterance, got %d frames", len(out))
	}
	if out[0].(frames.TextFrame).Text() != "final words" {
		t.Fatalf("unexpected utterance %q", out[0].(frames.TextFrame).Text())
	}
}

func TestTurnGateForwardsObservations(t *testing.T) {
	mgr := &fakeManager{}
	gate := NewTurnGateProcessor(mgr)

	if _, err := gate.Process(gateTextFrame("partial", false)); err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(mgr.transcripts) != 1 || mgr.transcripts[0] != "partial" {
		t.Fatalf("expected transcript observation, got %v", mgr.transcripts)
	}

	start := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlSpeechStarted, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	if _, err := gate.Process(start); err != nil {
		t.Fatalf("process error: %v", err)
	}
	if mgr.sttInputs != 1 {
		t.Fatalf("speech start should notify the manager, got %d", mgr.sttInputs)
	}
}

// The gate must end a turn that closes with silence: no further frame
// arrives, so the self-scheduled recheck is the only thing that can poll the
// detector after the window elapses.
func TestTurnGateReleasesAfterSilenceWindow(t *testing.T) {
	det := silence.New(turndetect.Config{SilenceWindow: 80 * time.Millisecond})
	mgr := turn.NewManagerWithOptions(turn.AggressiveStrategy{}, det, nil, turn.ManagerOptions{})
	gate := NewTurnGateProcessor(mgr)

	pokes := make(chan frames.Frame, 4)
	gate.SetEmitter(func(f frames.Frame) error {
		pokes <- f
		return nil
	})
	gate.SetRecheckInterval(100 * time.Millisecond)

	now := time.Now()
	mgr.OnVADState(true, now)
	mgr.OnVADState(false, now)

	out, err := gate.Process(gateTextFrame("turn on the lights", true))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("transcript must be held inside the silence window, got %d frames", len(out))
	}

	var poke frames.Frame
	select {
	case poke = <-pokes:
	case <-time.After(2 * time.Second):
		t.Fatalf("gate never scheduled a detector recheck")
	}
	cf, ok := poke.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlTurnCheck {
		t.Fatalf("unexpected wakeup frame %#v", poke)
	}

	out, err = gate.Process(poke)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected the utterance after the silence window, got %d frames", len(out))
	}
	if got := out[0].(frames.TextFrame).Text(); got != "turn on the lights" {
		t.Fatalf("unexpected utterance %q", got)
	}
}

func TestTurnGateSessionEndDropsPending(t *testing.T) {
	mgr := &fakeManager{endOfTurn: true}
	gate := NewTurnGateProcessor(mgr)

	mgr.endOfTurn = false
	if _, err := gate.Process(gateTextFrame("orphan", true)); err != nil {
		t.Fatalf("process error: %v", err)
	}
	end := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), frames.SystemSessionEnd, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	if _, err := gate.Process(end); err != nil {
		t.Fatalf("process error: %v", err)
	}
	mgr.endOfTurn = true
	ended := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlSpeechEnded, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	out, err := gate.Process(ended)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	for _, f := range out {
		if f.Kind() == frames.KindText {
			t.Fatalf("pending transcript should have been dropped at session end")
		}
	}
}
