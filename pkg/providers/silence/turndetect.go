package silence

import (
	"time"

	"github.com/ariavoice/aria/pkg/adapters/turndetect"
)

// Detector ends the user's turn after a fixed stretch of silence following a
// final transcript. Interim transcripts and renewed speech keep the turn
// open.
type Detector struct {
	window       time.Duration
	speaking     bool
	lastFinalAt  time.Time
	lastSpeechAt time.Time
	hasFinal     bool
}

func New(cfg turndetect.Config) *Detector {
	window := cfg.SilenceWindow
	if window <= 0 {
		window = 700 * time.Millisecond
	}
	return &Detector{window: window}
}

func (d *Detector) Name() string { return "silence_turn_detector" }

func (d *Detector) ObserveVAD(speaking bool, at time.Time) {
	d.speaking = speaking
	if speaking {
		d.lastSpeechAt = at
	}
}

func (d *Detector) ObserveTranscript(text string, final bool, at time.Time) {
	if final {
		d.hasFinal = true
		d.lastFinalAt = at
		return
	}
	// Interim text means the user is still talking even if the VAD has
	// flipped to silence.
	d.lastSpeechAt = at
}

func (d *Detector) EndOfTurn(now time.Time) bool {
	if !d.hasFinal || d.speaking {
		return false
	}
	quietSince := d.lastFinalAt
	if d.lastSpeechAt.After(quietSince) {
		quietSince = d.lastSpeechAt
	}
	return now.Sub(quietSince) >= d.window
}

func (d *Detector) Reset() {
	d.speaking = false
	d.hasFinal = false
	d.lastFinalAt = time.Time{}
	d.lastSpeechAt = time.Time{}
}

var _ turndetect.Detector = (*Detector)(nil)
