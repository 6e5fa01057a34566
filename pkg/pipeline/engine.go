package pipeline

import (
	"context"

	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/metrics"
)

type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

type BackpressureMode int

const (
	BackpressureDrop BackpressureMode = iota
	BackpressureWait
)

type Config struct {
	Async         bool
	StageBuffer   int
	HighCapacity  int
	LowCapacity   int
	FairnessRatio int
	Backpressure  BackpressureMode
}

type PipelineConfig struct {
	Config     Config
	Processors []FrameProcessor
}

type Orchestrator interface {
	Start() error
	Stop() error
	In() chan frames.Frame
	Out() chan frames.Frame
	AddProcessor(p FrameProcessor) error
	SetContext(ctx context.Context)
	SetSink(sink func(frames.Frame))
	SetObserver(obs metrics.Observer)
}
