package ensemble

import (
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evictionLog struct {
	keys []string
}

func (l *evictionLog) listener(key string, _ int) {
	l.keys = append(l.keys, key)
}

func newTestCache(t *testing.T, ttl time.Duration, max int) (*Cache[int], *evictionLog) {
	t.Helper()
	ev := &evictionLog{}
	c, err := NewCache[int](ttl, max, ev.listener)
	require.NoError(t, err)
	return c, ev
}

func TestCache_RejectsInvalidConfig(t *testing.T) {
	_, err := NewCache[int](0, 10, nil)
	assert.ErrorIs(t, err, ErrInvalidCacheConfig)

	_, err = NewCache[int](time.Second, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidCacheConfig)
}

func TestCache_PutGet(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Put("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Put("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_CapacityEvictsLeastRecentlyTouched(t *testing.T) {
	c, ev := newTestCache(t, time.Minute, 2)
	t0 := time.Unix(1000, 0)

	c.PutAt("a", 1, t0)
	c.PutAt("b", 2, t0.Add(time.Second))
	// Touching a makes b the oldest.
	c.GetAt("a", t0.Add(2*time.Second))
	c.PutAt("c", 3, t0.Add(3*time.Second))

	assert.Equal(t, []string{"b"}, ev.keys)
	assert.True(t, c.Contains("a"))
	assert.True(t, c.Contains("c"))
	assert.False(t, c.Contains("b"))
}

func TestCache_OverwriteAtCapacityDoesNotEvict(t *testing.T) {
	c, ev := newTestCache(t, time.Minute, 2)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 3)

	assert.Empty(t, ev.keys)
	assert.Equal(t, 2, c.Len())
}

func TestCache_CleanupEvictsExpired(t *testing.T) {
	c, ev := newTestCache(t, 10*time.Second, 10)
	t0 := time.Unix(1000, 0)

	c.PutAt("old", 1, t0)
	c.PutAt("fresh", 2, t0.Add(8*time.Second))
	c.PutAt("touched", 3, t0)
	c.GetAt("touched", t0.Add(9*time.Second))

	// Exactly at the TTL boundary nothing expires.
	assert.Equal(t, 0, c.Cleanup(t0.Add(10*time.Second)))

	n := c.Cleanup(t0.Add(11 * time.Second))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"old"}, ev.keys)

	n = c.Cleanup(t0.Add(time.Minute))
	assert.Equal(t, 2, n)
	sort.Strings(ev.keys)
	if diff := cmp.Diff([]string{"fresh", "old", "touched"}, ev.keys); diff != "" {
		t.Errorf("evicted keys mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, c.Len())
}

func TestCache_PeekDoesNotTouch(t *testing.T) {
	c, ev := newTestCache(t, 10*time.Second, 10)
	t0 := time.Unix(1000, 0)

	c.PutAt("a", 1, t0)
	c.now = func() time.Time { return t0.Add(9 * time.Second) }
	_, ok := c.Peek("a")
	require.True(t, ok)

	c.Cleanup(t0.Add(11 * time.Second))
	assert.Equal(t, []string{"a"}, ev.keys)
}

func TestCache_RemoveDoesNotNotify(t *testing.T) {
	c, ev := newTestCache(t, time.Minute, 10)

	c.Put("a", 1)
	v, ok := c.Remove("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = c.Remove("a")
	assert.False(t, ok)

	c.Put("b", 2)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, ev.keys)
}

func TestCache_RemoveIfEquals(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)
	c.Put("a", 1)

	_, ok := RemoveIfEquals(c, "a", 2)
	assert.False(t, ok)
	assert.True(t, c.Contains("a"))

	_, ok = RemoveIfEquals(c, "a", 1)
	assert.True(t, ok)
	assert.False(t, c.Contains("a"))
}

func TestCache_ListenerMayReenter(t *testing.T) {
	var c *Cache[int]
	var seen []int
	c, err := NewCache[int](time.Second, 1, func(key string, v int) {
		// Runs outside the lock, so calling back in must not deadlock.
		seen = append(seen, c.Len(), v)
	})
	require.NoError(t, err)

	c.Put("a", 1)
	c.Put("b", 2)
	assert.Equal(t, []int{1, 1}, seen)
}

func TestCache_ForEachAllowsMutation(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)
	c.Put("a", 1)
	c.Put("b", 2)

	visited := 0
	c.ForEach(func(key string, _ int) {
		visited++
		c.Remove(key)
	})
	assert.Equal(t, 2, visited)
	assert.Equal(t, 0, c.Len())
}
