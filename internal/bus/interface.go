package bus

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/Ashfaaq98/sentinel-defense/internal/config"
	"github.com/Ashfaaq98/sentinel-defense/internal/metrics"
)

// Topics carried by the pipeline.
const (
	TopicAlerts         = "alerts"
	TopicInvestigations = "investigations"
	TopicActions        = "actions"
	TopicStats          = "stats"
)

// Handler processes one payload. Invocations are serialized per subscription:
// at most one call is in flight for a given subscription at any time.
// Handlers must be idempotent against replays after a broker reconnect.
type Handler func(ctx context.Context, payload []byte) error

// Subscription is the cancellation handle returned by Subscribe.
type Subscription interface {
	Cancel()
}

// Bus is the topic-based pub/sub contract shared by all transports.
type Bus interface {
	// Publish enqueues a payload for all current subscribers of the topic.
	// It returns once the payload is enqueued locally and never blocks
	// longer than the configured publish timeout; on timeout the payload
	// is dropped and the drop counter incremented.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// Close cancels all subscriptions and drains queued payloads up to
	// the drain timeout.
	Close() error
}

// New creates a bus for the configured transport. Broker transports are
// wrapped so that a broker outage transparently degrades to in-process
// delivery until the broker returns.
func New(cfg config.BusConfig, m *metrics.Metrics, logger *log.Logger) (Bus, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	mem := NewMemoryBus(cfg, m, logger)
	switch cfg.Transport {
	case "memory":
		return mem, nil
	case "redis":
		return NewBrokerBus(cfg, mem, func() (Bus, error) {
			return NewRedisBus(cfg, m, logger)
		}, logger), nil
	case "nats":
		return NewBrokerBus(cfg, mem, func() (Bus, error) {
			return NewNatsBus(cfg, m, logger)
		}, logger), nil
	}
	// Transport names are validated at config load; reaching here means
	// validation was bypassed, so fall back rather than crash.
	logger.Printf("WARN unknown bus transport %q, using memory", cfg.Transport)
	return mem, nil
}

// nextBackoff returns the next reconnect delay, doubling from 100ms to 30s.
func nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return 100 * time.Millisecond
	}
	next := prev * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}
