package bus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Ashfaaq98/sentinel-defense/internal/config"
)

// BrokerBus wraps a networked transport with an in-process fallback. While
// the broker is reachable, traffic flows through it; on loss of the broker
// the bus transparently degrades to memory delivery and keeps retrying the
// connection with exponential backoff until the outage ends.
type BrokerBus struct {
	cfg    config.BusConfig
	mem    *MemoryBus
	dial   func() (Bus, error)
	logger *log.Logger

	mu      sync.Mutex
	broker  Bus
	subs    []*brokerSub
	closed  bool
	dialing bool
}

type brokerSub struct {
	topic   string
	handler Handler
	memSub  Subscription
	brkSub  Subscription
	parent  *BrokerBus
}

// NewBrokerBus builds the wrapper and attempts the first connection
// synchronously so a reachable broker is used from the start.
func NewBrokerBus(cfg config.BusConfig, mem *MemoryBus, dial func() (Bus, error), logger *log.Logger) *BrokerBus {
	bb := &BrokerBus{cfg: cfg, mem: mem, dial: dial, logger: logger}
	if broker, err := dial(); err == nil {
		bb.broker = broker
	} else {
		logger.Printf("WARN broker unavailable, degrading to memory transport: %v", err)
		bb.scheduleReconnect()
	}
	return bb
}

// Publish routes through the broker when connected, otherwise through the
// memory fallback. A broker failure mid-publish degrades and re-delivers
// locally so the payload is not lost.
func (bb *BrokerBus) Publish(ctx context.Context, topic string, payload []byte) error {
	bb.mu.Lock()
	broker := bb.broker
	closed := bb.closed
	bb.mu.Unlock()

	if closed {
		return ErrBusClosed
	}
	if broker != nil {
		err := broker.Publish(ctx, topic, payload)
		if err == nil {
			return nil
		}
		bb.logger.Printf("WARN broker publish failed, degrading to memory transport: %v", err)
		bb.degrade(broker)
	}
	return bb.mem.Publish(ctx, topic, payload)
}

// Subscribe registers the handler on the memory fallback and, when
// connected, on the broker. Handlers may therefore see a payload twice
// around an outage boundary; the subscriber idempotency requirement of the
// bus contract covers this.
func (bb *BrokerBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.closed {
		return nil, ErrBusClosed
	}

	// The memory and broker deliveries share one lock so the handler keeps
	// at most one call in flight for this subscription.
	var handlerMu sync.Mutex
	inner := handler
	handler = func(ctx context.Context, payload []byte) error {
		handlerMu.Lock()
		defer handlerMu.Unlock()
		return inner(ctx, payload)
	}

	memSub, err := bb.mem.Subscribe(topic, handler)
	if err != nil {
		return nil, err
	}
	sub := &brokerSub{topic: topic, handler: handler, memSub: memSub, parent: bb}
	if bb.broker != nil {
		if brkSub, err := bb.broker.Subscribe(topic, handler); err == nil {
			sub.brkSub = brkSub
		} else {
			bb.logger.Printf("WARN broker subscribe on %s failed: %v", topic, err)
		}
	}
	bb.subs = append(bb.subs, sub)
	return sub, nil
}

func (s *brokerSub) Cancel() {
	s.memSub.Cancel()
	if s.brkSub != nil {
		s.brkSub.Cancel()
	}
	s.parent.mu.Lock()
	for i, candidate := range s.parent.subs {
		if candidate == s {
			s.parent.subs = append(s.parent.subs[:i], s.parent.subs[i+1:]...)
			break
		}
	}
	s.parent.mu.Unlock()
}

// degrade drops the broken broker and starts the reconnect loop.
func (bb *BrokerBus) degrade(broken Bus) {
	bb.mu.Lock()
	if bb.broker != broken {
		bb.mu.Unlock()
		return
	}
	bb.broker = nil
	for _, sub := range bb.subs {
		sub.brkSub = nil
	}
	bb.mu.Unlock()

	broken.Close()
	bb.scheduleReconnect()
}

func (bb *BrokerBus) scheduleReconnect() {
	bb.mu.Lock()
	if bb.dialing || bb.closed {
		bb.mu.Unlock()
		return
	}
	bb.dialing = true
	bb.mu.Unlock()

	go func() {
		delay := time.Duration(0)
		for {
			delay = nextBackoff(delay)
			time.Sleep(delay)

			bb.mu.Lock()
			if bb.closed {
				bb.dialing = false
				bb.mu.Unlock()
				return
			}
			bb.mu.Unlock()

			broker, err := bb.dial()
			if err != nil {
				bb.logger.Printf("WARN broker reconnect failed, next attempt in %s: %v", nextBackoff(delay), err)
				continue
			}

			bb.mu.Lock()
			bb.broker = broker
			bb.dialing = false
			for _, sub := range bb.subs {
				if brkSub, err := broker.Subscribe(sub.topic, sub.handler); err == nil {
					sub.brkSub = brkSub
				} else {
					bb.logger.Printf("WARN broker resubscribe on %s failed: %v", sub.topic, err)
				}
			}
			bb.mu.Unlock()
			bb.logger.Printf("WARN broker connection restored")
			return
		}
	}()
}

// Close shuts down the broker connection and the memory fallback.
func (bb *BrokerBus) Close() error {
	bb.mu.Lock()
	if bb.closed {
		bb.mu.Unlock()
		return nil
	}
	bb.closed = true
	broker := bb.broker
	bb.broker = nil
	bb.mu.Unlock()

	if broker != nil {
		broker.Close()
	}
	return bb.mem.Close()
}
