package bus

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Ashfaaq98/sentinel-defense/internal/config"
	"github.com/Ashfaaq98/sentinel-defense/internal/metrics"
)

// MemoryBus delivers payloads through bounded in-process queues. Each
// subscription owns one queue and one dispatch goroutine, which gives
// FIFO per (topic, publisher) and at-most-one handler call in flight.
type MemoryBus struct {
	cfg     config.BusConfig
	metrics *metrics.Metrics
	logger  *log.Logger

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
	wg     sync.WaitGroup
}

type memorySub struct {
	topic   string
	queue   chan []byte
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}

	bus  *MemoryBus
	once sync.Once
}

// NewMemoryBus creates an in-process bus with bounded per-subscription queues.
func NewMemoryBus(cfg config.BusConfig, m *metrics.Metrics, logger *log.Logger) *MemoryBus {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 100 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &MemoryBus{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		subs:    make(map[string][]*memorySub),
	}
}

// Publish enqueues the payload for every current subscriber of the topic.
// A full queue blocks up to the publish timeout; on timeout the payload is
// dropped for that subscriber and the drop counter incremented.
func (mb *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	mb.mu.RLock()
	subs := make([]*memorySub, len(mb.subs[topic]))
	copy(subs, mb.subs[topic])
	closed := mb.closed
	mb.mu.RUnlock()

	if closed {
		return ErrBusClosed
	}

	for _, sub := range subs {
		select {
		case sub.queue <- payload:
		default:
			// Queue full: apply backpressure up to the publish timeout.
			timer := time.NewTimer(mb.cfg.PublishTimeout)
			select {
			case sub.queue <- payload:
				timer.Stop()
			case <-timer.C:
				if mb.metrics != nil {
					mb.metrics.BusDroppedTotal.Inc()
				}
				mb.logger.Printf("WARN dropped payload on %s: subscriber queue full for %s", topic, mb.cfg.PublishTimeout)
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return nil
}

// Subscribe registers a handler and starts its dispatch goroutine.
func (mb *MemoryBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return nil, ErrBusClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySub{
		topic:   topic,
		queue:   make(chan []byte, mb.cfg.QueueCapacity),
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
		bus:     mb,
	}
	mb.subs[topic] = append(mb.subs[topic], sub)

	mb.wg.Add(1)
	go sub.dispatch(ctx)
	return sub, nil
}

// dispatch serializes handler invocations for one subscription. A handler
// panic is caught and logged; the subscription continues.
func (s *memorySub) dispatch(ctx context.Context) {
	defer s.bus.wg.Done()
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case payload := <-s.queue:
					s.invoke(context.Background(), payload)
				default:
					return
				}
			}
		case payload := <-s.queue:
			s.invoke(ctx, payload)
		}
	}
}

func (s *memorySub) invoke(ctx context.Context, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Printf("ERROR handler panic on %s: %v", s.topic, r)
		}
	}()
	if err := s.handler(ctx, payload); err != nil {
		s.bus.logger.Printf("WARN handler error on %s: %v", s.topic, err)
	}
}

// Cancel removes the subscription from the bus and stops its dispatcher.
func (s *memorySub) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.subs[s.topic]
		for i, candidate := range subs {
			if candidate == s {
				s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		s.cancel()
	})
}

// Close cancels all subscriptions and waits up to the drain timeout for
// queued payloads to be handled.
func (mb *MemoryBus) Close() error {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return nil
	}
	mb.closed = true
	var all []*memorySub
	for _, subs := range mb.subs {
		all = append(all, subs...)
	}
	mb.subs = make(map[string][]*memorySub)
	mb.mu.Unlock()

	for _, sub := range all {
		sub.cancel()
	}

	done := make(chan struct{})
	go func() {
		mb.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(mb.cfg.DrainTimeout):
		mb.logger.Printf("WARN bus close: drain timeout after %s, abandoning in-flight handlers", mb.cfg.DrainTimeout)
		return ErrDrainTimeout
	}
}
