package bridge

import (
	"context"
	"sync"
	"time"
)

// ResultCache caches operation results by key with a per-lookup TTL. Entries
// are removed by explicit Clear or overwrite only; there is no background
// expiry sweep.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value    any
	storedAt time.Time
}

// NewResultCache creates an empty result cache.
func NewResultCache() *ResultCache {
	return &ResultCache{entries: make(map[string]cacheEntry)}
}

// Get returns the cached value for key if it was stored within ttl.
// A ttl <= 0 means entries never expire.
func (c *ResultCache) Get(key string, ttl time.Duration) (any, bool) {
	return c.getAt(key, ttl, time.Now())
}

func (c *ResultCache) getAt(key string, ttl time.Duration, now time.Time) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if ttl > 0 && now.Sub(entry.storedAt) >= ttl {
		return nil, false
	}
	return entry.value, true
}

// Put stores value under key, replacing any prior entry.
func (c *ResultCache) Put(key string, value any) {
	c.putAt(key, value, time.Now())
}

func (c *ResultCache) putAt(key string, value any, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, storedAt: now}
}

// Clear removes all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Remove removes a specific key.
func (c *ResultCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Size returns the current number of entries, expired or not.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cached returns the cached result for key if younger than ttl, else runs op,
// stores its result, and returns it. Failed operations are not cached.
func Cached[T any](ctx context.Context, c *ResultCache, key string, ttl time.Duration, op func(context.Context) (T, error)) (T, error) {
	if cached, ok := c.Get(key, ttl); ok {
		if value, ok := cached.(T); ok {
			return value, nil
		}
	}

	value, err := Run(ctx, op)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Put(key, value)
	return value, nil
}
