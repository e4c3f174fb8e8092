package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a key is remembered by a cache.
const DefaultTTL = 24 * time.Hour

// Cache maps idempotency keys to execution ids.
type Cache interface {
	// Lookup returns the execution id bound to key, if known.
	Lookup(ctx context.Context, key string) (string, bool, error)
	// Remember binds key to executionID. An existing binding is kept.
	Remember(ctx context.Context, key, executionID string) error
}

type memoryEntry struct {
	executionID string
	storedAt    time.Time
}

// MemoryCache is an in-process Cache with lazy expiry.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates a MemoryCache. A non-positive ttl means DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) Lookup(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return "", false, nil
	}
	return e.executionID, true, nil
}

func (c *MemoryCache) Remember(_ context.Context, key, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.entries[key]; ok && now.Sub(e.storedAt) < c.ttl {
		return nil
	}
	c.entries[key] = memoryEntry{executionID: executionID, storedAt: now}
	return nil
}

// RedisCache shares key bindings across engine replicas.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache. A non-positive ttl means DefaultTTL.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "settlement:idem:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient builds a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (c *RedisCache) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis idempotency lookup: %w", err)
	}
	return id, true, nil
}

func (c *RedisCache) Remember(ctx context.Context, key, executionID string) error {
	if err := c.client.SetNX(ctx, c.prefix+key, executionID, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis idempotency remember: %w", err)
	}
	return nil
}
