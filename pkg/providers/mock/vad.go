package mock

import (
	"time"

	"github.com/ariavoice/aria/pkg/adapters/turndetect"
	"github.com/ariavoice/aria/pkg/adapters/vad"
)

type VADConfig struct {
	// Decisions are returned in order; the last one repeats once exhausted.
	Decisions []vad.Decision
}

type VAD struct {
	cfg VADConfig
	idx int
}

func NewVAD(cfg VADConfig) *VAD {
	return &VAD{cfg: cfg}
}

func (v *VAD) Name() string { return "mock_vad" }

func (v *VAD) Process(pcm []byte) (vad.Decision, error) {
	if len(v.cfg.Decisions) == 0 {
		return vad.Decision{}, nil
	}
	d := v.cfg.Decisions[v.idx]
	if v.idx < len(v.cfg.Decisions)-1 {
		v.idx++
	}
	return d, nil
}

func (v *VAD) Reset()       { v.idx = 0 }
func (v *VAD) Close() error { return nil }

var _ vad.Detector = (*VAD)(nil)

type TurnDetectorConfig struct {
	// AlwaysComplete makes every polled turn end immediately.
	AlwaysComplete bool
}

type TurnDetector struct {
	cfg      TurnDetectorConfig
	hasFinal bool
}

func NewTurnDetector(cfg TurnDetectorConfig) *TurnDetector {
	return &TurnDetector{cfg: cfg}
}

func (t *TurnDetector) Name() string { return "mock_turn_detector" }

func (t *TurnDetector) ObserveVAD(speaking bool, at time.Time) {}

func (t *TurnDetector) ObserveTranscript(text string, final bool, at time.Time) {
	if final {
		t.hasFinal = true
	}
}

func (t *TurnDetector) EndOfTurn(now time.Time) bool {
	return t.cfg.AlwaysComplete || t.hasFinal
}

func (t *TurnDetector) Reset() { t.hasFinal = false }

var _ turndetect.Detector = (*TurnDetector)(nil)
