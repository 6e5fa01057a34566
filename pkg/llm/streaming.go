package llm

import (
	"context"

	"github.com/ariavoice/aria/pkg/frames"
)

// StreamDeltasToFrames forwards streamed deltas as text frames until the
// stream closes or ctx ends. Thought deltas are tagged so downstream stages
// can skip synthesis for them.
func StreamDeltasToFrames(ctx context.Context, streamID string, ptsBase int64, deltas <-chan Delta, out chan frames.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deltas:
			if !ok {
				return
			}
			var meta map[string]string
			if d.Thought {
				meta = map[string]string{frames.MetaThought: "true"}
			}
			tf := frames.NewTextFrame(streamID, ptsBase, d.Text, meta)
			select {
			case out <- tf:
			default:
			}
		}
	}
}
