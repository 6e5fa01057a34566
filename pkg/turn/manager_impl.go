package turn

import (
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/adapters/turndetect"
	"github.com/ariavoice/aria/pkg/frames"
)

type ManagerOptions struct {
	BargeInThreshold time.Duration
	MinBargeIn       time.Duration
}

type manager struct {
	mu              sync.RWMutex
	sm              *stateMachine
	strategy        Strategy
	detector        turndetect.Detector
	emit            InterruptEmitter
	lastChange      time.Time
	userSpeechStart time.Time
	minBargeIn      time.Duration
	flushTimer      *time.Timer
}

func NewManager(strategy Strategy, detector turndetect.Detector, emitter InterruptEmitter) Manager {
	return NewManagerWithOptions(strategy, detector, emitter, ManagerOptions{})
}

func NewManagerWithOptions(strategy Strategy, detector turndetect.Detector, emitter InterruptEmitter, opts ManagerOptions) Manager {
	sm := newStateMachine(opts.BargeInThreshold, emitter)
	minBargeIn := opts.MinBargeIn
	if minBargeIn <= 0 {
		minBargeIn = 300 * time.Millisecond
	}
	return &manager{
		sm:         sm,
		strategy:   strategy,
		detector:   detector,
		emit:       emitter,
		lastChange: time.Now(),
		minBargeIn: minBargeIn,
	}
}

func (m *manager) State() State {
	return m.sm.State()
}

func (m *manager) setState(s State) {
	m.mu.Lock()
	m.lastChange = time.Now()
	m.mu.Unlock()

	_ = m.sm.Transition(s, "manager state change")
}

func (m *manager) OnUserSpeechStart() {
	wasSpeaking := m.sm.State() == StateSpeaking
	m.setState(StateListening)
	m.mu.Lock()
	m.userSpeechStart = time.Now()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	if wasSpeaking && m.strategy != nil && m.strategy.BargeInEnabled() {
		start := m.userSpeechStart
		m.flushTimer = time.AfterFunc(m.minBargeIn, func() {
			m.mu.Lock()
			active := m.sm.State() == StateListening && m.userSpeechStart.Equal(start)
			m.mu.Unlock()
			if active {
				m.emitFlush()
			}
		})
	}
	m.mu.Unlock()
}

func (m *manager) OnUserSpeechEnd() {
	m.setState(StateThinking)
	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	m.mu.Unlock()
	if m.detector != nil {
		m.detector.Reset()
	}
}

// OnVADState feeds a speech/silence observation to the turn detector and
// enters LISTENING when speech starts.
func (m *manager) OnVADState(speaking bool, at time.Time) {
	if m.detector != nil {
		m.detector.ObserveVAD(speaking, at)
	}
	if speaking {
		state := m.sm.State()
		if state == StateIdle || state == StateSpeaking {
			m.OnUserSpeechStart()
		}
	}
}

// OnTranscript feeds a transcript update to the turn detector.
func (m *manager) OnTranscript(text string, final bool, at time.Time) {
	if m.detector != nil {
		m.detector.ObserveTranscript(text, final, at)
	}
}

// EndOfTurn reports the detector's decision. Only meaningful while the user
// holds the floor.
func (m *manager) EndOfTurn(now time.Time) bool {
	if m.detector == nil {
		return false
	}
	if m.sm.State() != StateListening {
		return false
	}
	return m.detector.EndOfTurn(now)
}

func (m *manager) OnAgentThinkStart() {
	currentState := m.sm.State()
	if currentState == StateIdle {
		_ = m.sm.Transition(StateListening, "agent think start - entering listening")
	}
	m.setState(StateThinking)
}

func (m *manager) OnAgentSpeechStart() {
	m.setState(StateSpeaking)
}

func (m *manager) OnAgentSpeechEnd() {
	m.setState(StateIdle)
}

// OnAudioComplete notifies the state machine that playback is complete.
func (m *manager) OnAudioComplete() {
	m.sm.OnAudioComplete()
}

// OnSTTInput forwards STT input duration to the state machine for barge-in detection.
func (m *manager) OnSTTInput(duration time.Duration) {
	m.sm.OnSTTInput(duration)
}

// AddListener registers a listener for state change events.
func (m *manager) AddListener(listener StateListener) {
	m.sm.AddListener(listener)
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }

func (m *manager) emitFlush() {
	m.mu.RLock()
	emit := m.emit
	m.mu.RUnlock()
	if emit != nil {
		meta := map[string]string{
			frames.MetaSource: "turn",
			frames.MetaReason: "barge_in",
		}
		_ = emit.Emit(frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlFlush, meta))
		_ = emit.Emit(frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlCancel, meta))
	}
}
