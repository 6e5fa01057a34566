package silero

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ariavoice/aria/pkg/adapters/vad"
	"github.com/ariavoice/aria/pkg/errorsx"
)

const (
	stateSize     = 2 * 1 * 128
	windowSamples = 512
	sampleRate    = 16000
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

type Config struct {
	ModelPath string
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// system default.
	LibraryPath string
	Threshold   float64
}

// Detector runs the Silero VAD ONNX model. The model keeps a recurrent
// hidden state across windows, so one detector serves exactly one audio
// stream. Expects 512-sample PCM16 windows at 16kHz.
type Detector struct {
	session   *ort.DynamicAdvancedSession
	state     *ort.Tensor[float32]
	threshold float32
}

func New(cfg Config) (*Detector, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("missing silero model path")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	ortInitOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, errorsx.Wrap(fmt.Errorf("onnx runtime init: %w", ortInitErr), errorsx.ReasonVADInit)
	}

	state, err := ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, stateSize))
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("state tensor: %w", err), errorsx.ReasonVADInit)
	}
	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		nil,
	)
	if err != nil {
		state.Destroy()
		return nil, errorsx.Wrap(fmt.Errorf("session: %w", err), errorsx.ReasonVADInit)
	}
	return &Detector{
		session:   session,
		state:     state,
		threshold: float32(cfg.Threshold),
	}, nil
}

func (d *Detector) Name() string { return "silero_vad" }

func (d *Detector) Process(pcm []byte) (vad.Decision, error) {
	if len(pcm) != windowSamples*2 {
		return vad.Decision{}, fmt.Errorf("expected %d bytes, got %d", windowSamples*2, len(pcm))
	}
	input := make([]float32, windowSamples)
	for i := range input {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		input[i] = float32(s) / math.MaxInt16
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, windowSamples), input)
	if err != nil {
		return vad.Decision{}, err
	}
	defer inputTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{sampleRate})
	if err != nil {
		return vad.Decision{}, err
	}
	defer srTensor.Destroy()

	outputTensor, err := ort.NewTensor(ort.NewShape(1, 1), make([]float32, 1))
	if err != nil {
		return vad.Decision{}, err
	}
	defer outputTensor.Destroy()

	newState, err := ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, stateSize))
	if err != nil {
		return vad.Decision{}, err
	}
	defer newState.Destroy()

	err = d.session.Run(
		[]ort.Value{inputTensor, d.state, srTensor},
		[]ort.Value{outputTensor, newState},
	)
	if err != nil {
		return vad.Decision{}, err
	}
	copy(d.state.GetData(), newState.GetData())

	prob := outputTensor.GetData()[0]
	return vad.Decision{
		Speech:      prob >= d.threshold,
		Probability: float64(prob),
	}, nil
}

func (d *Detector) Reset() {
	data := d.state.GetData()
	for i := range data {
		data[i] = 0
	}
}

func (d *Detector) Close() error {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.state != nil {
		d.state.Destroy()
	}
	return nil
}

var _ vad.Detector = (*Detector)(nil)
