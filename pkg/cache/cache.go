// Package cache provides the small key/value caches used by the endpoint
// resolver. Both implementations are best effort: a miss or a backend error
// only costs a re-resolution, never correctness.
package cache

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time for deterministic expiry in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Cache is a string cache with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

type ttlEntry struct {
	value     string
	expiresAt time.Time
}

// TTLCache is an in-process cache with lazy expiry. Safe for concurrent use.
type TTLCache struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]ttlEntry
}

func NewTTLCache(clock Clock) *TTLCache {
	if clock == nil {
		clock = SystemClock()
	}
	return &TTLCache{
		clock:   clock,
		entries: make(map[string]ttlEntry),
	}
}

func (c *TTLCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.value, true
}

func (c *TTLCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = ttlEntry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
}

func (c *TTLCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}
