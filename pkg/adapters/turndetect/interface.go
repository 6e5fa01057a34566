package turndetect

import "time"

// Detector decides when the user has finished a turn. It is fed VAD state
// changes and transcript updates and is polled for the end-of-turn decision.
// One detector per session, single goroutine.
type Detector interface {
	// Name returns detector name for logging/metrics.
	Name() string
	// ObserveVAD records a speech/silence state observed at the given time.
	ObserveVAD(speaking bool, at time.Time)
	// ObserveTranscript records a partial or final transcript update.
	ObserveTranscript(text string, final bool, at time.Time)
	// EndOfTurn reports whether the user's turn is complete as of now.
	EndOfTurn(now time.Time) bool
	// Reset clears state after a turn has been consumed.
	Reset()
}

// Config contains vendor-agnostic turn-detection configuration.
type Config struct {
	// SilenceWindow is how long the user must stay silent after a final
	// transcript before the turn ends.
	SilenceWindow time.Duration
}
