package external

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache fronts Client.Get with a TTL'd key/value store, letting repeated
// lookups of the same search/data-source URL skip the outbound request
// entirely.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// memoryCache is the default Cache: a process-local map, sufficient for a
// single okcvm server instance and requiring no external service.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache returns a Cache backed by an in-process map.
func NewMemoryCache() Cache {
	return &memoryCache{entries: map[string]memoryCacheEntry{}}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (c *memoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryCacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

// redisCache backs Cache with github.com/redis/go-redis/v9, for deployments
// that run more than one okcvm server instance sharing a response cache.
type redisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a Cache against a Redis server at addr
// ("host:port"). Grounded on the teacher's go.mod dependency on
// go-redis/v9, which has no other home in this single-process substrate's
// domain stack besides an outbound-response cache.
func NewRedisCache(addr string) Cache {
	return &redisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	c.client.Set(ctx, key, value, ttl)
}
