package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Ashfaaq98/sentinel-defense/internal/config"
	"github.com/Ashfaaq98/sentinel-defense/internal/metrics"
)

// NatsBus carries payloads over NATS subjects. Delivery is serialized per
// subscription by draining a channel subscription from a single goroutine.
type NatsBus struct {
	conn    *nats.Conn
	cfg     config.BusConfig
	metrics *metrics.Metrics
	logger  *log.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewNatsBus connects to the broker with automatic reconnect.
func NewNatsBus(cfg config.BusConfig, m *metrics.Metrics, logger *log.Logger) (*NatsBus, error) {
	conn, err := nats.Connect(cfg.BrokerURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Printf("WARN nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Printf("WARN nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NatsBus{conn: conn, cfg: cfg, metrics: m, logger: logger}, nil
}

// Publish sends the payload on the topic subject.
func (nb *NatsBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := nb.conn.Publish(topic, payload); err != nil {
		if nb.metrics != nil {
			nb.metrics.BusPublishErrors.Inc()
		}
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe drains a buffered channel subscription from one goroutine so
// handler invocations stay serialized.
func (nb *NatsBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if nb.closed {
		return nil, ErrBusClosed
	}

	ch := make(chan *nats.Msg, nb.cfg.QueueCapacity)
	sub, err := nb.conn.ChanSubscribe(topic, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	nb.cancel = append(nb.cancel, cancel)

	nb.wg.Add(1)
	go func() {
		defer nb.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				nb.invoke(ctx, topic, handler, msg.Data)
			}
		}
	}()
	return cancelFunc(cancel), nil
}

func (nb *NatsBus) invoke(ctx context.Context, topic string, handler Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			nb.logger.Printf("ERROR handler panic on %s: %v", topic, r)
		}
	}()
	if err := handler(ctx, payload); err != nil {
		nb.logger.Printf("WARN handler error on %s: %v", topic, err)
	}
}

// Close cancels subscribers, flushes and drops the connection.
func (nb *NatsBus) Close() error {
	nb.mu.Lock()
	if nb.closed {
		nb.mu.Unlock()
		return nil
	}
	nb.closed = true
	cancels := nb.cancel
	nb.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		nb.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(nb.cfg.DrainTimeout):
		nb.logger.Printf("WARN nats bus close: drain timeout after %s", nb.cfg.DrainTimeout)
	}

	if err := nb.conn.FlushTimeout(time.Second); err != nil {
		nb.logger.Printf("WARN nats flush on close: %v", err)
	}
	nb.conn.Close()
	return nil
}
