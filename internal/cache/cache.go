// Package cache provides a TTL-bounded LRU store for resolution results.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a thread-safe key/value store with per-entry expiration and a
// maximum entry count. Inserting beyond capacity evicts the least-recently-used
// entry regardless of its remaining TTL. Expired entries are treated as absent
// on Get and purged lazily on access plus periodically by a background sweep.
type Cache[V any] struct {
	entries *lru.Cache[string, entry[V]]
	mutex   sync.Mutex

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// New creates a cache holding at most maxSize entries. A sweepInterval <= 0
// disables the background sweep; lazy expiration on Get still applies.
func New[V any](maxSize int, sweepInterval time.Duration) (*Cache[V], error) {
	entries, err := lru.New[string, entry[V]](maxSize)
	if err != nil {
		return nil, err
	}

	c := &Cache[V]{
		entries:   entries,
		stopSweep: make(chan struct{}),
	}

	if sweepInterval > 0 {
		go c.sweep(sweepInterval)
	}

	return c, nil
}

// Stop stops the background sweep goroutine. Safe to call multiple times.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
	})
}

// Get returns the value for key. An entry whose TTL has passed is removed and
// reported as absent even if the sweep has not reached it yet.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		var zero V
		return zero, false
	}

	if time.Now().After(e.expiresAt) {
		c.entries.Remove(key)
		var zero V
		return zero, false
	}

	return e.value, true
}

// Set stores value under key, overwriting any existing entry and resetting its
// expiration. At capacity, adding a new key evicts the least-recently-used one.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries.Add(key, entry[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
}

func (c *Cache[V]) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries.Remove(key)
}

// Len returns the number of physically stored entries, expired or not. The
// sweep keeps this close to the live count.
func (c *Cache[V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.entries.Len()
}

func (c *Cache[V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Cache[V]) purgeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	for _, key := range c.entries.Keys() {
		// Peek keeps sweep traversal from disturbing recency order
		if e, ok := c.entries.Peek(key); ok && now.After(e.expiresAt) {
			c.entries.Remove(key)
		}
	}
}
