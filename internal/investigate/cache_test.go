package investigate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	cache, err := NewMemoryCache(16)
	require.NoError(t, err)
	defer cache.Close()

	finding := &event.Finding{Source: "vt", NormalizedScore: 0.4, IsMocked: true}
	cache.Set("vt", "203.0.113.7", finding, time.Hour)

	got, ok := cache.Get("vt", "203.0.113.7")
	require.True(t, ok)
	assert.Equal(t, finding, got)
	// IsMocked is preserved exactly as cached.
	assert.True(t, got.IsMocked)

	_, ok = cache.Get("abuseipdb", "203.0.113.7")
	assert.False(t, ok, "keys are scoped per provider")
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	cache, err := NewMemoryCache(16)
	require.NoError(t, err)
	defer cache.Close()

	cache.Set("vt", "203.0.113.7", &event.Finding{Source: "vt"}, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := cache.Get("vt", "203.0.113.7")
	assert.False(t, ok, "expired entries must miss")
}

func TestMemoryCacheLRUBound(t *testing.T) {
	cache, err := NewMemoryCache(4)
	require.NoError(t, err)
	defer cache.Close()

	for i := 0; i < 8; i++ {
		cache.Set("vt", fmt.Sprintf("10.0.0.%d", i), &event.Finding{Source: "vt"}, time.Hour)
	}

	// The oldest half was evicted, the newest half survives.
	_, ok := cache.Get("vt", "10.0.0.0")
	assert.False(t, ok)
	_, ok = cache.Get("vt", "10.0.0.7")
	assert.True(t, ok)
}

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(86400, 2)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	// Burst exhausted; refill is 1/s so immediately after it must deny.
	assert.False(t, tb.Allow())
}

func TestTokenBucketRefills(t *testing.T) {
	// 86400/day = 1 token per second.
	tb := NewTokenBucket(86400, 1)
	require.True(t, tb.Allow())
	require.False(t, tb.Allow())

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, tb.Allow(), "bucket must refill over time")
}
