package ensemble

import (
	"fmt"
	"sync"
	"time"
)

// EvictionListener is told about every entry the cache drops on its own,
// either through capacity pressure or TTL expiry. Explicit removals are not
// reported.
type EvictionListener[V any] func(key string, value V)

type cacheEntry[V any] struct {
	value   V
	touched time.Time
}

// Cache is a bounded map whose entries expire a fixed TTL after they were
// last touched. Both Get and Put touch an entry. When a new key would push
// the cache past its capacity, the least recently touched entry is evicted
// first. Expired entries are only removed by Cleanup, so a Get can return an
// entry that is past its TTL but has not been swept yet.
//
// Listeners run on the calling goroutine after the cache lock is released.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry[V]
	ttl        time.Duration
	maxEntries int
	listener   EvictionListener[V]
	now        func() time.Time
}

// NewCache creates a cache. ttl and maxEntries must both be positive.
// listener may be nil.
func NewCache[V any](ttl time.Duration, maxEntries int, listener EvictionListener[V]) (*Cache[V], error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidCacheConfig, ttl)
	}
	if maxEntries <= 0 {
		return nil, fmt.Errorf("%w: max entries must be positive, got %d", ErrInvalidCacheConfig, maxEntries)
	}
	return &Cache[V]{
		entries:    make(map[string]*cacheEntry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		listener:   listener,
		now:        time.Now,
	}, nil
}

// TTL returns the configured time-to-live.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Put stores value under key.
func (c *Cache[V]) Put(key string, value V) {
	c.PutAt(key, value, c.now())
}

// PutAt is Put with an explicit touch time.
func (c *Cache[V]) PutAt(key string, value V, now time.Time) {
	var (
		evictedKey string
		evicted    *cacheEntry[V]
	)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.touched = now
		c.mu.Unlock()
		return
	}
	if len(c.entries) >= c.maxEntries {
		evictedKey, evicted = c.oldestLocked()
		if evicted != nil {
			delete(c.entries, evictedKey)
		}
	}
	c.entries[key] = &cacheEntry[V]{value: value, touched: now}
	c.mu.Unlock()

	if evicted != nil && c.listener != nil {
		c.listener(evictedKey, evicted.value)
	}
}

// oldestLocked returns the least recently touched entry. Ties go to the
// first one the map iteration yields.
func (c *Cache[V]) oldestLocked() (string, *cacheEntry[V]) {
	var (
		oldestKey string
		oldest    *cacheEntry[V]
	)
	for k, e := range c.entries {
		if oldest == nil || e.touched.Before(oldest.touched) {
			oldestKey, oldest = k, e
		}
	}
	return oldestKey, oldest
}

// Get returns the value for key and refreshes its touch time.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.GetAt(key, c.now())
}

// GetAt is Get with an explicit touch time.
func (c *Cache[V]) GetAt(key string, now time.Time) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e.touched = now
	return e.value, true
}

// Peek returns the value for key without touching it.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Contains reports whether key is present without touching it.
func (c *Cache[V]) Contains(key string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	c.mu.Unlock()
	return ok
}

// Remove deletes key and returns the value it held.
func (c *Cache[V]) Remove(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(c.entries, key)
	return e.value, true
}

// RemoveIf deletes key only when match reports true for its current value.
func (c *Cache[V]) RemoveIf(key string, match func(V) bool) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !match(e.value) {
		var zero V
		return zero, false
	}
	delete(c.entries, key)
	return e.value, true
}

// RemoveIfEquals deletes key only when it currently holds expected.
func RemoveIfEquals[V comparable](c *Cache[V], key string, expected V) (V, bool) {
	return c.RemoveIf(key, func(v V) bool { return v == expected })
}

// ForEach calls fn for every entry present when ForEach was called. fn may
// mutate the cache.
func (c *Cache[V]) ForEach(fn func(key string, value V)) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	values := make([]V, 0, len(c.entries))
	for k, e := range c.entries {
		keys = append(keys, k)
		values = append(values, e.value)
	}
	c.mu.Unlock()

	for i, k := range keys {
		fn(k, values[i])
	}
}

// Len returns the number of entries, including ones that have expired but
// were not swept yet.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup evicts every entry whose touch time plus TTL lies strictly before
// now, notifying the listener once per evicted entry.
func (c *Cache[V]) Cleanup(now time.Time) int {
	type evictedEntry struct {
		key   string
		value V
	}

	c.mu.Lock()
	var evicted []evictedEntry
	for k, e := range c.entries {
		if e.touched.Add(c.ttl).Before(now) {
			evicted = append(evicted, evictedEntry{key: k, value: e.value})
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	if c.listener != nil {
		for _, e := range evicted {
			c.listener(e.key, e.value)
		}
	}
	return len(evicted)
}

// Clear drops every entry without notifying the listener.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry[V])
	c.mu.Unlock()
}
