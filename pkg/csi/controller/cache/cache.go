// Package cache implements the CSI Controller's metadata read cache: an
// LRU with a short TTL, defensive deep copies on every read so callers
// can never mutate cached state, and invalidation on write. Grounded on hashicorp/golang-lru, already an
// indirect dependency of cuemby-warren's module graph.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Copier deep-copies a cached value. Implementations are supplied by the
// caller per entity type (ArcaVolume, ArcaSnapshot) since this package
// has no knowledge of their shape.
type Copier func(v interface{}) interface{}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is a size- and TTL-bounded LRU read cache.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	ttl   time.Duration
	clock func() time.Time
}

// New constructs a Cache holding at most size entries, each valid for
// ttl.
func New(size int, ttl time.Duration) *Cache {
	l, _ := lru.New(size)
	return &Cache{lru: l, ttl: ttl, clock: time.Now}
}

// Get returns a deep copy of the cached value for key via copy, or
// (nil, false) on a miss or expiry.
func (c *Cache) Get(key string, copy Copier) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := raw.(entry)
	if c.clock().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return copy(e.value), true
}

// Put stores value under key, deep-copied via copy so later mutation of
// the caller's value cannot corrupt the cache.
func (c *Cache) Put(key string, value interface{}, copy Copier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry{value: copy(value), expiresAt: c.clock().Add(c.ttl)})
}

// Invalidate removes key from the cache. The controller calls it after
// each successful metadata write; a write that returns an error is not
// always followed by an invalidation.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}
