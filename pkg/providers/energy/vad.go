package energy

import (
	"encoding/binary"
	"math"

	"github.com/ariavoice/aria/pkg/adapters/vad"
)

type Config struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	SpeechWindows    int
	SilenceWindows   int
}

// Detector is an RMS energy gate with hysteresis. It needs no model files,
// which makes it the fallback when the ONNX detector can't load, and the
// deterministic choice in tests.
type Detector struct {
	cfg          Config
	inSpeech     bool
	speechCount  int
	silenceCount int
}

func New(cfg Config) *Detector {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = 0.015
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = 0.008
	}
	if cfg.SpeechWindows == 0 {
		cfg.SpeechWindows = 3
	}
	if cfg.SilenceWindows == 0 {
		cfg.SilenceWindows = 30
	}
	return &Detector{cfg: cfg}
}

func (d *Detector) Name() string { return "energy_vad" }

func (d *Detector) Process(pcm []byte) (vad.Decision, error) {
	level := rms(pcm)
	if d.inSpeech {
		if level < d.cfg.SilenceThreshold {
			d.silenceCount++
			d.speechCount = 0
			if d.silenceCount >= d.cfg.SilenceWindows {
				d.inSpeech = false
				d.silenceCount = 0
			}
		} else {
			d.silenceCount = 0
		}
	} else {
		if level >= d.cfg.SpeechThreshold {
			d.speechCount++
			d.silenceCount = 0
			if d.speechCount >= d.cfg.SpeechWindows {
				d.inSpeech = true
				d.speechCount = 0
			}
		} else {
			d.speechCount = 0
		}
	}
	return vad.Decision{Speech: d.inSpeech, Probability: level}, nil
}

func (d *Detector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}

func (d *Detector) Close() error { return nil }

func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / math.MaxInt16
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

var _ vad.Detector = (*Detector)(nil)
