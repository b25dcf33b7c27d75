// Package cache provides a bounded, process-scoped TTL cache.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Clock supplies the current time. Tests inject a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is an LRU cache whose entries also expire after a fixed lifetime.
// It is safe for concurrent use.
type TTL[K comparable, V any] struct {
	items *lru.Cache[K, entry[V]]
	ttl   time.Duration
	clock Clock
}

// New creates a cache holding at most size entries for ttl each.
// A nil clock uses the wall clock.
func New[K comparable, V any](size int, ttl time.Duration, clock Clock) (*TTL[K, V], error) {
	items, err := lru.New[K, entry[V]](size)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &TTL[K, V]{items: items, ttl: ttl, clock: clock}, nil
}

// Get returns the cached value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	e, ok := c.items.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !c.clock.Now().Before(e.expires) {
		c.items.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key.
func (c *TTL[K, V]) Set(key K, value V) {
	c.items.Add(key, entry[V]{value: value, expires: c.clock.Now().Add(c.ttl)})
}

// Remove drops the given keys.
func (c *TTL[K, V]) Remove(keys ...K) {
	for _, k := range keys {
		c.items.Remove(k)
	}
}

// Purge drops every entry.
func (c *TTL[K, V]) Purge() {
	c.items.Purge()
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *TTL[K, V]) Len() int {
	return c.items.Len()
}
