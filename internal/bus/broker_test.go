package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker is a scripted broker transport: it delivers in-process until
// told to fail, at which point every publish errors.
type fakeBroker struct {
	mu     sync.Mutex
	failed bool
	subs   map[string][]Handler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string][]Handler)}
}

func (f *fakeBroker) fail() {
	f.mu.Lock()
	f.failed = true
	f.mu.Unlock()
}

func (f *fakeBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("broker gone")
	}
	for _, h := range f.subs[topic] {
		h(ctx, payload)
	}
	return nil
}

func (f *fakeBroker) Subscribe(topic string, handler Handler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return nil, errors.New("broker gone")
	}
	f.subs[topic] = append(f.subs[topic], handler)
	return cancelFunc(func() {}), nil
}

func (f *fakeBroker) Close() error { return nil }

func TestBrokerBusDegradesToMemoryOnOutage(t *testing.T) {
	broker := newFakeBroker()
	mem := NewMemoryBus(busConfig(), nil, nil)
	bb := NewBrokerBus(busConfig(), mem, func() (Bus, error) {
		return broker, nil
	}, mem.logger)
	defer bb.Close()

	var mu sync.Mutex
	var got []string
	_, err := bb.Subscribe("alerts", func(_ context.Context, payload []byte) error {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	// Healthy broker carries the first payload.
	require.NoError(t, bb.Publish(context.Background(), "alerts", []byte("before")))

	// Broker dies mid-run: the publish must still reach the subscriber
	// through the memory fallback, with no alert loss.
	broker.fail()
	require.NoError(t, bb.Publish(context.Background(), "alerts", []byte("during")))
	require.NoError(t, bb.Publish(context.Background(), "alerts", []byte("after")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond, "no payload may be lost across the outage")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"before", "during", "after"}, got)
}

func TestBrokerBusStartsDegradedWhenDialFails(t *testing.T) {
	mem := NewMemoryBus(busConfig(), nil, nil)

	var dials int
	var mu sync.Mutex
	bb := NewBrokerBus(busConfig(), mem, func() (Bus, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}, mem.logger)
	defer bb.Close()

	received := make(chan string, 1)
	_, err := bb.Subscribe("alerts", func(_ context.Context, payload []byte) error {
		received <- string(payload)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bb.Publish(context.Background(), "alerts", []byte("degraded")))
	select {
	case got := <-received:
		assert.Equal(t, "degraded", got)
	case <-time.After(time.Second):
		t.Fatal("memory fallback did not deliver")
	}

	// The reconnect loop keeps dialing with backoff.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBrokerBusReconnects(t *testing.T) {
	mem := NewMemoryBus(busConfig(), nil, nil)
	healthy := newFakeBroker()

	var mu sync.Mutex
	allowDial := false
	bb := NewBrokerBus(busConfig(), mem, func() (Bus, error) {
		mu.Lock()
		defer mu.Unlock()
		if !allowDial {
			return nil, errors.New("still down")
		}
		return healthy, nil
	}, mem.logger)
	defer bb.Close()

	_, err := bb.Subscribe("alerts", func(_ context.Context, _ []byte) error { return nil })
	require.NoError(t, err)

	mu.Lock()
	allowDial = true
	mu.Unlock()

	// After the outage ends the handler must be resubscribed on the broker.
	require.Eventually(t, func() bool {
		healthy.mu.Lock()
		defer healthy.mu.Unlock()
		return len(healthy.subs["alerts"]) == 1
	}, 3*time.Second, 20*time.Millisecond)
}
