// Package cache wraps the in-process TTL cache used for probe results and
// catalog lookups. Entries are per-worker; correctness never depends on
// them, they only save upstream and database round trips.
package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache is a bounded in-process cache with a write-anchored TTL.
type Cache[K comparable, V any] struct {
	inner *otter.Cache[K, V]
}

// New creates a cache holding at most maxSize entries, each expiring ttl
// after it was written.
func New[K comparable, V any](maxSize int, ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		inner: otter.Must(&otter.Options[K, V]{
			MaximumSize:      maxSize,
			ExpiryCalculator: otter.ExpiryWriting[K, V](ttl),
		}),
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.inner.GetIfPresent(key)
}

// Set stores a value, restarting its TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.inner.Set(key, value)
}

// Delete drops a cached value.
func (c *Cache[K, V]) Delete(key K) {
	c.inner.Invalidate(key)
}
