// Package cache provides the bounded LRU used on the entity read path.
// Entries may carry a TTL; an expired entry reads as a miss but is left
// in place until the LRU evicts it.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats counts cache activity since creation.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate is hits / (hits + misses), zero when untouched.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero = no TTL
}

// Cache is a bounded LRU keyed by string with optional per-cache TTL.
// Reads and updates promote; the eviction callback sees key and value.
type Cache[V any] struct {
	mu      sync.Mutex
	lru     *lru.Cache[string, entry[V]]
	ttl     time.Duration
	stats   Stats
	onEvict func(key string, value V)
	now     func() time.Time
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithTTL sets the entry lifetime. Zero disables expiry.
func WithTTL[V any](ttl time.Duration) Option[V] {
	return func(c *Cache[V]) { c.ttl = ttl }
}

// WithEvict registers an eviction callback. It runs for LRU evictions
// and explicit removals, not for expired entries read as misses.
func WithEvict[V any](fn func(key string, value V)) Option[V] {
	return func(c *Cache[V]) { c.onEvict = fn }
}

// WithClock overrides the time source (tests).
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// New returns a cache holding at most maxEntries values.
func New[V any](maxEntries int, opts ...Option[V]) (*Cache[V], error) {
	c := &Cache[V]{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	inner, err := lru.NewWithEvict[string, entry[V]](maxEntries, func(key string, e entry[V]) {
		c.stats.Evictions++
		if c.onEvict != nil {
			c.onEvict(key, e.value)
		}
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// Get returns the value and whether it was present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Put inserts or replaces a value, promoting it to most recent.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.lru.Add(key, e)
}

// Remove drops a key, firing the eviction callback if present.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Purge drops everything.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len is the number of resident entries, expired included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a copy of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Cleanup removes expired entries. Wired to the background
// cache-cleanup task rather than run inline on reads.
func (c *Cache[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok {
			if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
				c.lru.Remove(key)
				removed++
			}
		}
	}
	return removed
}
