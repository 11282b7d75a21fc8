// Package cache provides the bounded, time-boxed result cache used by connectors.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache maps keys to values for at most ttl after they were stored. When full,
// inserting a new key evicts the entry that was inserted first, regardless of
// how recently it was read.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	order   *list.List
	entries map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key      K
	value    V
	storedAt time.Time
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New returns a cache holding at most capacity entries, each valid for ttl.
// A capacity below one is treated as one.
func New[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		now:      o.now,
		order:    list.New(),
		entries:  make(map[K]*list.Element, capacity),
	}
}

// Get returns the value stored under key if it is younger than the TTL.
// An expired entry is removed by the lookup that finds it.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.remove(el)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key. Re-storing a key replaces the entry and moves it
// to the back of the eviction queue.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	for c.order.Len() >= c.capacity {
		c.remove(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&entry[K, V]{
		key:      key,
		value:    value,
		storedAt: c.now(),
	})
}

// Clear drops every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	clear(c.entries)
}

// Len reports the number of stored entries, including expired ones not yet
// looked up.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[K, V]) remove(el *list.Element) {
	e := c.order.Remove(el).(*entry[K, V])
	delete(c.entries, e.key)
}
