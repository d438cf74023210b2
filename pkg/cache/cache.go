// Package cache provides a keyed time-to-live store used to read-through
// cache the manager's HTTP API and to track short-lived per-process state
// such as recently-acted-on reconcile keys.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is the period RunSweeper is started with by the
// caches wired into the running process (the manager client's
// read-through cache, the webhook dedup set, and the engine's acted-on
// set), per §4.1's "a periodic sweep removes stale entries to bound
// memory."
const DefaultSweepInterval = 5 * time.Minute

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e entry[V]) expired(t time.Time) bool {
	return t.After(e.expiresAt)
}

// Stats is a point-in-time snapshot of cache occupancy and hit ratio.
type Stats struct {
	Size    int
	Active  int
	Expired int
	Hits    uint64
	Misses  uint64
}

// Cache is a keyed store mapping opaque string keys to values with
// per-entry absolute expiry. Values are treated as immutable snapshots:
// callers must not mutate a value after it has been Put.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// New creates an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value for key. A missing or expired key is a
// miss, not an error.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(now()) {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Put stores value under key with the given time-to-live.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: now().Add(ttl),
	}
}

// Invalidate removes a single key regardless of expiry.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePrefix removes every key sharing the given prefix.
func (c *Cache[V]) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Sweep drops expired entries and returns how many were removed. It
// bounds memory for caches carrying many short-lived keys.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := now()
	removed := 0
	for k, e := range c.entries {
		if e.expired(t) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Stats reports occupancy and hit/miss counters accumulated since creation.
func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t := now()
	s := Stats{
		Size:   len(c.entries),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	for _, e := range c.entries {
		if e.expired(t) {
			s.Expired++
		} else {
			s.Active++
		}
	}
	return s
}

// RunSweeper sweeps expired entries on interval until ctx is cancelled. It
// is meant to be run as its own long-lived goroutine.
func (c *Cache[V]) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// now is swapped out in tests to avoid sleeping for real TTLs.
var now = time.Now
