package transports

import (
	"context"

	"github.com/ariavoice/aria/pkg/frames"
)

// Transport defines a vendor-agnostic I/O boundary for audio/text/control frames.
// Implementations are responsible for their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., room URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
