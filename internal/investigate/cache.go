package investigate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
	"github.com/Ashfaaq98/sentinel-defense/internal/metrics"
)

// Cache stores findings keyed by (provider, ioc) with a TTL. A cache hit
// skips the external call and preserves the finding exactly as cached.
type Cache interface {
	Get(provider, ioc string) (*event.Finding, bool)
	Set(provider, ioc string, finding *event.Finding, ttl time.Duration)
	Close() error
}

func cacheKey(provider, ioc string) string {
	return fmt.Sprintf("%s:%s", provider, ioc)
}

type cacheEntry struct {
	finding *event.Finding
	expiry  time.Time
}

// MemoryCache is a bounded LRU with per-entry TTL. All reads and writes are
// serialized by one cache-wide mutex, so concurrent investigations of the same
// IOC cannot interleave a stale entry over a fresh one.
type MemoryCache struct {
	mu   sync.Mutex
	data *lru.Cache[string, cacheEntry]
}

// NewMemoryCache creates an LRU-bounded TTL cache.
func NewMemoryCache(capacity int) (*MemoryCache, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	data, err := lru.New[string, cacheEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{data: data}, nil
}

func (mc *MemoryCache) Get(provider, ioc string) (*event.Finding, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	entry, ok := mc.data.Get(cacheKey(provider, ioc))
	if !ok || time.Now().After(entry.expiry) {
		return nil, false
	}
	return entry.finding, true
}

func (mc *MemoryCache) Set(provider, ioc string, finding *event.Finding, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.data.Add(cacheKey(provider, ioc), cacheEntry{finding: finding, expiry: time.Now().Add(ttl)})
}

func (mc *MemoryCache) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.data.Purge()
	return nil
}

// RedisCache stores findings in Redis so cache state survives restarts and
// is shared between sensors.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

// NewRedisCache connects and verifies the cache backend.
func NewRedisCache(redisURL string, logger *log.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client, prefix: "ti:cache:", logger: logger}, nil
}

func (rc *RedisCache) Get(provider, ioc string) (*event.Finding, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := rc.client.Get(ctx, rc.prefix+cacheKey(provider, ioc)).Result()
	if err != nil {
		if err != redis.Nil {
			rc.logger.Printf("WARN redis cache get %s/%s: %v", provider, ioc, err)
		}
		return nil, false
	}
	var finding event.Finding
	if err := json.Unmarshal([]byte(raw), &finding); err != nil {
		rc.logger.Printf("WARN redis cache corrupt entry %s/%s: %v", provider, ioc, err)
		_ = rc.client.Del(ctx, rc.prefix+cacheKey(provider, ioc)).Err()
		return nil, false
	}
	return &finding, true
}

func (rc *RedisCache) Set(provider, ioc string, finding *event.Finding, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(finding)
	if err != nil {
		rc.logger.Printf("WARN redis cache marshal: %v", err)
		return
	}
	if err := rc.client.Set(ctx, rc.prefix+cacheKey(provider, ioc), b, ttl).Err(); err != nil {
		rc.logger.Printf("WARN redis cache set %s/%s: %v", provider, ioc, err)
	}
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// TieredCache prefers Redis and falls back to memory, mirroring the bus's
// degrade-on-outage behavior. Hits and misses feed the pipeline metrics.
type TieredCache struct {
	primary  Cache
	fallback Cache
	metrics  *metrics.Metrics
}

// NewTieredCache builds the cache stack: memory always, Redis on top when a
// URL is configured and reachable.
func NewTieredCache(redisURL string, capacity int, m *metrics.Metrics, logger *log.Logger) (*TieredCache, error) {
	mem, err := NewMemoryCache(capacity)
	if err != nil {
		return nil, err
	}
	tc := &TieredCache{primary: mem, metrics: m}
	if redisURL != "" {
		if rc, err := NewRedisCache(redisURL, logger); err == nil {
			tc.primary = rc
			tc.fallback = mem
		} else {
			logger.Printf("WARN redis cache unavailable, using memory only: %v", err)
		}
	}
	return tc, nil
}

func (tc *TieredCache) Get(provider, ioc string) (*event.Finding, bool) {
	if finding, ok := tc.primary.Get(provider, ioc); ok {
		tc.hit()
		return finding, true
	}
	if tc.fallback != nil {
		if finding, ok := tc.fallback.Get(provider, ioc); ok {
			tc.hit()
			return finding, true
		}
	}
	if tc.metrics != nil {
		tc.metrics.CacheMissesTotal.Inc()
	}
	return nil, false
}

func (tc *TieredCache) hit() {
	if tc.metrics != nil {
		tc.metrics.CacheHitsTotal.Inc()
	}
}

func (tc *TieredCache) Set(provider, ioc string, finding *event.Finding, ttl time.Duration) {
	tc.primary.Set(provider, ioc, finding, ttl)
	if tc.fallback != nil {
		tc.fallback.Set(provider, ioc, finding, ttl)
	}
}

func (tc *TieredCache) Close() error {
	err := tc.primary.Close()
	if tc.fallback != nil {
		if e := tc.fallback.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
