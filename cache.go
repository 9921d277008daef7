package main

import (
	"sync"
	"time"
)

// TTLCache is a single-value cache with a time-to-live.
// Safe for concurrent use.
type TTLCache[T any] struct {
	mu        sync.RWMutex
	value     T
	updatedAt time.Time
	hasValue  bool
	ttl       time.Duration
}

// NewTTLCache creates an empty cache with the given TTL
func NewTTLCache[T any](ttl time.Duration) *TTLCache[T] {
	return &TTLCache[T]{ttl: ttl}
}

// Get returns the cached value if present and fresh
func (c *TTLCache[T]) Get() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.hasValue || time.Since(c.updatedAt) > c.ttl {
		var zero T
		return zero, false
	}
	return c.value, true
}

// Set stores a value and resets the expiry clock
func (c *TTLCache[T]) Set(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = value
	c.updatedAt = time.Now()
	c.hasValue = true
}

// Clear empties the cache
func (c *TTLCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	c.value = zero
	c.hasValue = false
	c.updatedAt = time.Time{}
}

// LastUpdated returns when the cache was last set
func (c *TTLCache[T]) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// IsExpired reports whether the cached value is stale or absent
func (c *TTLCache[T]) IsExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.hasValue || time.Since(c.updatedAt) > c.ttl
}
