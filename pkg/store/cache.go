package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache backs the invoke idempotency layer: "lock:" keys mark a
// request_id in flight (SetNX, released with Del on non-200 outcomes)
// and "resp:" keys hold the cached response body for replays. Misses
// report redis.Nil from both implementations so callers branch one way.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache is the fleet-wide cache; replay and duplicate suppression
// hold across gateway instances.
type RedisCache struct{ client *redis.Client }

func (c *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// MemoryCache is the single-node fallback when Redis is absent. Expired
// keys behave exactly like missing ones; a sweep on write keeps the map
// from accumulating dead idempotency entries.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	writes  int
}

type cacheEntry struct {
	value    string
	deadline time.Time
}

func (e cacheEntry) expired(now time.Time) bool { return now.After(e.deadline) }

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]cacheEntry{}}
}

const sweepEvery = 64

func (m *MemoryCache) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if e, ok := m.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	m.storeLocked(key, value, ttl, now)
	return true, nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", redis.Nil
	}
	if e.expired(time.Now()) {
		delete(m.entries, key)
		return "", redis.Nil
	}
	return e.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(key, value, ttl, time.Now())
	return nil
}

func (m *MemoryCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryCache) storeLocked(key, value string, ttl time.Duration, now time.Time) {
	m.entries[key] = cacheEntry{value: value, deadline: now.Add(ttl)}
	m.writes++
	if m.writes%sweepEvery == 0 {
		for k, e := range m.entries {
			if e.expired(now) {
				delete(m.entries, k)
			}
		}
	}
}

// NewCache prefers a reachable Redis and degrades to process-local
// memory, trading cross-instance idempotency for availability.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisCache{client: client}
		}
	}
	return NewMemoryCache()
}
