package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/Ashfaaq98/sentinel-defense/internal/config"
	"github.com/Ashfaaq98/sentinel-defense/internal/metrics"
)

const redisConsumerGroup = "sentinel"

// RedisBus provides Redis Streams-based messaging. One stream per topic,
// consumer groups for at-least-once delivery with explicit acks.
type RedisBus struct {
	client  *redis.Client
	cfg     config.BusConfig
	metrics *metrics.Metrics
	logger  *log.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewRedisBus connects to the broker and verifies the connection.
func NewRedisBus(cfg config.BusConfig, m *metrics.Metrics, logger *log.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBus{client: client, cfg: cfg, metrics: m, logger: logger}, nil
}

// Publish appends the payload to the topic's stream.
func (rb *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, rb.cfg.PublishTimeout)
	defer cancel()

	err := rb.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: int64(rb.cfg.QueueCapacity),
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		if rb.metrics != nil {
			rb.metrics.BusPublishErrors.Inc()
		}
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for the topic. Messages are
// handled one at a time and acknowledged only after the handler returns.
func (rb *RedisBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return nil, ErrBusClosed
	}

	if err := rb.ensureGroup(topic); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rb.cancel = append(rb.cancel, cancel)
	consumer := fmt.Sprintf("%s-%s", topic, uuid.NewString()[:8])

	rb.wg.Add(1)
	go rb.readLoop(ctx, topic, consumer, handler)
	return cancelFunc(cancel), nil
}

func (rb *RedisBus) ensureGroup(topic string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := rb.client.XGroupCreateMkStream(ctx, topic, redisConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group for %s: %w", topic, err)
	}
	return nil
}

func (rb *RedisBus) readLoop(ctx context.Context, topic, consumer string, handler Handler) {
	defer rb.wg.Done()
	delay := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := rb.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    redisConsumerGroup,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				delay = 0
				continue
			}
			delay = nextBackoff(delay)
			rb.logger.Printf("WARN redis read on %s failed, retrying in %s: %v", topic, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		delay = 0

		for _, stream := range res {
			for _, msg := range stream.Messages {
				payload, _ := msg.Values["payload"].(string)
				rb.invoke(ctx, topic, handler, []byte(payload))
				if err := rb.client.XAck(ctx, stream.Stream, redisConsumerGroup, msg.ID).Err(); err != nil && ctx.Err() == nil {
					rb.logger.Printf("WARN failed to ack %s on %s: %v", msg.ID, topic, err)
				}
			}
		}
	}
}

func (rb *RedisBus) invoke(ctx context.Context, topic string, handler Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			rb.logger.Printf("ERROR handler panic on %s: %v", topic, r)
		}
	}()
	if err := handler(ctx, payload); err != nil {
		rb.logger.Printf("WARN handler error on %s: %v", topic, err)
	}
}

// Close cancels all readers and closes the connection.
func (rb *RedisBus) Close() error {
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return nil
	}
	rb.closed = true
	cancels := rb.cancel
	rb.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		rb.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(rb.cfg.DrainTimeout):
		rb.logger.Printf("WARN redis bus close: drain timeout after %s", rb.cfg.DrainTimeout)
	}
	return rb.client.Close()
}

// cancelFunc adapts a context.CancelFunc to the Subscription interface.
type cancelFunc context.CancelFunc

func (c cancelFunc) Cancel() { c() }
