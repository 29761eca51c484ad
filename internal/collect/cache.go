package collect

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseCache stores raw API response bodies keyed by (source, query) so
// repeated queries inside one scheduling window do not burn quota. Keyless
// sources are the main beneficiaries.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// memoryCache is the in-process fallback when no redis address is configured.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	max     int
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache returns a TTL cache bounded to max entries.
func NewMemoryCache(max int) ResponseCache {
	if max <= 0 {
		max = 1024
	}
	return &memoryCache{entries: make(map[string]memoryEntry), max: max}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		// Evict the entry closest to expiry.
		var oldest string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldest == "" || e.expiresAt.Before(oldestAt) {
				oldest, oldestAt = k, e.expiresAt
			}
		}
		delete(c.entries, oldest)
	}
	c.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

// redisCache backs the response cache with redis when configured.
type redisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps a redis client as a ResponseCache. Redis errors degrade
// to cache misses; the cache is an optimization, never a dependency.
func NewRedisCache(client *redis.Client, prefix string) ResponseCache {
	if prefix == "" {
		prefix = "finpulse:resp:"
	}
	return &redisCache{client: client, prefix: prefix}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.client.Set(ctx, c.prefix+key, value, ttl)
}
