// Package cache provides a bounded, thread-safe LRU cache whose entries
// expire after a fixed time-to-live.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key     K
	val     V
	expires time.Time
}

// Cache is a generic LRU with per-entry expiry. A zero TTL disables expiry.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	order    *list.List // front is most recently used
	items    map[K]*list.Element

	hits   uint64
	misses uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithNow overrides the clock used for expiry.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache holding at most capacity entries. Capacity below one
// is raised to one.
func New[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		now:      o.now,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e) {
		c.drop(el)
		c.misses++
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return e.val, true
}

// Put stores val under key, evicting the least recently used entry when full.
func (c *Cache[K, V]) Put(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.val = val
		e.expires = expires
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		c.drop(c.order.Back())
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, val: val, expires: expires})
}

// Delete removes key. It reports whether the key was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.drop(el)
	return true
}

// Len returns the number of stored entries, including ones that have
// expired but not yet been touched.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge empties the cache.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[K]*list.Element, c.capacity)
}

// Stats returns hit and miss counts since creation.
func (c *Cache[K, V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return !e.expires.IsZero() && !c.now().Before(e.expires)
}

// drop unlinks el. Caller holds mu.
func (c *Cache[K, V]) drop(el *list.Element) {
	e := c.order.Remove(el).(*entry[K, V])
	delete(c.items, e.key)
}
