package turn

import "time"

type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

// Manager tracks whose turn it is. VAD states and transcripts feed the
// configured turn detector; the pipeline polls EndOfTurn to decide when the
// user is done and the agent may think.
type Manager interface {
	OnUserSpeechStart()
	OnUserSpeechEnd()
	OnVADState(speaking bool, at time.Time)
	OnTranscript(text string, final bool, at time.Time)
	EndOfTurn(now time.Time) bool
	OnAgentThinkStart()
	OnAgentSpeechStart()
	OnAgentSpeechEnd()
	OnAudioComplete()
	OnSTTInput(duration time.Duration)
	AddListener(listener StateListener)
	State() State
}
