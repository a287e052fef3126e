package capture

import (
	"context"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
)

// Source yields parsed L3/L4 packet records. The detection engine is
// indifferent to where they come from: live replay, synthetic traffic or a
// watched capture folder all implement the same contract.
type Source interface {
	// Next blocks until a packet is available, the source is exhausted
	// (io.EOF) or the context is cancelled.
	Next(ctx context.Context) (*event.Packet, error)

	// Close releases the source's resources.
	Close() error
}
