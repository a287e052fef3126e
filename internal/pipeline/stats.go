package pipeline

import (
	"context"
	"time"

	"github.com/Ashfaaq98/sentinel-defense/internal/bus"
	"github.com/Ashfaaq98/sentinel-defense/internal/event"
	"github.com/Ashfaaq98/sentinel-defense/internal/store"
)

// publishStats pushes a counter snapshot on the stats topic once per
// second. Subscribers on the bus get the counters without querying the
// store; the watch command does not subscribe and reads the store directly.
func publishStats(ctx context.Context, st *store.Store, b bus.Bus) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := st.GetStats(ctx)
			if err != nil {
				continue
			}
			payload, err := event.MarshalPayload(stats)
			if err != nil {
				continue
			}
			// Stats are periodic; a dropped snapshot is replaced a
			// second later, so publish errors are not retried.
			_ = b.Publish(ctx, bus.TopicStats, payload)
		}
	}
}
