// Package cache implements a bounded FIFO cache with per-entry TTL, used to
// memoise full turn responses keyed by request fingerprint.
//
// Eviction is strictly first-in-first-out: a Get never refreshes an entry's
// position, so a hot entry still ages out once it reaches the front of the
// queue. This keeps cached answers from outliving their TTL under sustained
// hit traffic.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry is one cached value together with its insertion metadata.
type entry[V any] struct {
	key      string
	value    V
	storedAt time.Time
}

// Cache is a bounded FIFO cache with TTL expiry. All exported methods are
// safe for concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = oldest
	index    map[string]*list.Element
	hits     uint64
	misses   uint64

	// now is swappable for deterministic expiry tests.
	now func() time.Time
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// New creates a cache holding at most capacity entries, each valid for ttl
// after insertion. Capacity 0 disables caching: every Put is dropped and
// every Get misses.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache[V]{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Get returns the value stored under key. Expired entries are removed on
// access and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.index[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.remove(el)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Stats reports the current size and lifetime hit/miss counts.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Size: c.order.Len(), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Put stores value under key. Storing over an existing key replaces the
// value and restarts its TTL in place; only inserts of new keys can evict,
// and they evict the oldest entry first.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 {
		return
	}
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.storedAt = c.now()
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Front(); oldest != nil {
			c.remove(oldest)
		}
	}
	c.index[key] = c.order.PushBack(&entry[V]{key: key, value: value, storedAt: c.now()})
}

// Delete removes the entry stored under key, if any.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.remove(el)
	}
}

// Len returns the number of entries currently held, including entries that
// have expired but not yet been swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep removes all expired entries and returns how many were dropped.
// Expiry is otherwise lazy, so long-idle caches can call this periodically
// to release memory.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.Sub(el.Value.(*entry[V]).storedAt) >= c.ttl {
			c.remove(el)
			removed++
		}
		el = next
	}
	return removed
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.index)
}

// remove unlinks el from both the order list and the index.
// Callers must hold c.mu.
func (c *Cache[V]) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry[V]).key)
}
