package vad

// Decision is the outcome of running the detector over one audio window.
type Decision struct {
	Speech      bool
	Probability float64
}

// Detector classifies PCM16 mono audio windows as speech or silence.
// Implementations keep internal state across windows and must be used from a
// single goroutine; each session owns its own detector.
type Detector interface {
	// Name returns detector name for logging/metrics.
	Name() string
	// Process classifies one window of little-endian PCM16 samples.
	Process(pcm []byte) (Decision, error)
	// Reset clears accumulated state between utterances.
	Reset()
	// Close releases model resources.
	Close() error
}

// Config contains vendor-agnostic VAD configuration.
type Config struct {
	SampleRate int
	// WindowSamples is the number of samples the detector expects per call.
	WindowSamples int
	Threshold     float64
}
