// Package cache implements the process-wide TTL cache every upstream
// source is routed through: a single mutex-guarded map keyed by string,
// each entry carrying its value and an absolute expiry. See spec.md §4.5
// and §9 for the contract — notably that GetOrSet is best-effort, not
// single-flight.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time // zero value means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a shared, concurrency-safe TTL cache.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	disabled bool
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// SetDisabled short-circuits GetOrSet to always call fn, per spec.md's
// "process-wide disable flag" note.
func (c *Cache) SetDisabled(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = disabled
}

// Get returns the value for key, or (nil, false) on miss or expiry.
// Expired entries are evicted lazily.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the given TTL. A zero or negative TTL
// means no expiry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.entries[key] = entry{value: value, expiresAt: exp}
}

// Delete removes key, if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Fetch produces a value to memoize. The second return value reports
// whether the value is defined; GetOrSet only stores defined values.
type Fetch func() (value any, ok bool, err error)

// GetOrSet returns the cached value for key if present and unexpired;
// otherwise it calls fn, stores a defined result under ttl, and returns
// it. When the cache is disabled, fn is always called and its result is
// never stored. Concurrent misses may call fn more than once — this
// cache does not implement single-flight, per spec.md §4.5.
func (c *Cache) GetOrSet(key string, ttl time.Duration, fn Fetch) (any, error) {
	c.mu.Lock()
	disabled := c.disabled
	if !disabled {
		if e, ok := c.entries[key]; ok && !e.expired(time.Now()) {
			c.mu.Unlock()
			return e.value, nil
		}
	}
	c.mu.Unlock()

	value, ok, err := fn()
	if err != nil {
		return nil, err
	}
	if !ok {
		return value, nil
	}

	if !disabled {
		c.Set(key, value, ttl)
	}
	return value, nil
}
