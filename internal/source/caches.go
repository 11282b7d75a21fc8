package source

import (
	"time"

	"github.com/nhle/mailhub/internal/cache"
)

// Caches bundles the result and unread-count caches owned by one connector.
type Caches struct {
	Results *cache.Cache[CacheKey, any]
	Unread  *cache.Cache[CacheKey, int]
}

// NewCaches sizes both caches. The unread cache only ever holds a handful of
// keys so it shares the result capacity.
func NewCaches(size int, ttl, unreadTTL time.Duration, opts ...cache.Option) *Caches {
	return &Caches{
		Results: cache.New[CacheKey, any](size, ttl, opts...),
		Unread:  cache.New[CacheKey, int](size, unreadTTL, opts...),
	}
}

// Clear empties both caches.
func (c *Caches) Clear() {
	c.Results.Clear()
	c.Unread.Clear()
}

// Lookup returns the cached result under key when it holds a T.
func Lookup[T any](c *cache.Cache[CacheKey, any], key CacheKey) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
