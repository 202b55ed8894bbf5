package ensemble

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultNearCacheSize = 100_000

type overlayEntry struct {
	value string
	found bool
}

// NearCache is a per-worker read-through view of a DistributedMap. Reads
// are served from a local overlay whenever it has an answer, including a
// remembered "not found". The overlay follows the map's change feed, so it
// is eventually consistent with the cluster; a stale answer is corrected by
// the caller (for ownership, by the not-found path of a send).
type NearCache struct {
	name        string
	remote      DistributedMap
	overlay     *lru.Cache[string, overlayEntry]
	unsubscribe func()
	metrics     *Metrics

	// gen counts change events. An answer read from the remote map is only
	// remembered if no event arrived while it was in flight.
	mu  sync.Mutex
	gen uint64
}

// NewNearCache subscribes to remote's change feed. size bounds the overlay;
// zero selects the default.
func NewNearCache(name string, remote DistributedMap, size int, metrics *Metrics) (*NearCache, error) {
	if size <= 0 {
		size = defaultNearCacheSize
	}
	overlay, err := lru.New[string, overlayEntry](size)
	if err != nil {
		return nil, fmt.Errorf("near cache %s: %w", name, err)
	}
	nc := &NearCache{
		name:    name,
		remote:  remote,
		overlay: overlay,
		metrics: metrics,
	}
	nc.unsubscribe = remote.Subscribe(nc.onEvent)
	return nc, nil
}

func (nc *NearCache) onEvent(ev MapEvent) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.gen++
	switch ev.Kind {
	case MapEntryAdded, MapEntryUpdated:
		nc.overlay.Add(ev.Key, overlayEntry{value: ev.Value, found: true})
	case MapEntryRemoved, MapEntryEvicted:
		nc.overlay.Remove(ev.Key)
	case MapEntryReset:
		nc.overlay.Purge()
	}
}

func (nc *NearCache) generation() uint64 {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.gen
}

// remember stores an answer read from the remote map unless a change event
// arrived after seen was taken.
func (nc *NearCache) remember(key string, e overlayEntry, seen uint64) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.gen == seen {
		nc.overlay.Add(key, e)
	}
}

// Get answers from the overlay when possible, otherwise reads the remote map
// and remembers the answer.
func (nc *NearCache) Get(ctx context.Context, key string) (string, bool, error) {
	if e, ok := nc.overlay.Get(key); ok {
		nc.metrics.nearCacheLookup(nc.name, true)
		return e.value, e.found, nil
	}
	nc.metrics.nearCacheLookup(nc.name, false)

	seen := nc.generation()
	v, found, err := nc.remote.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	nc.remember(key, overlayEntry{value: v, found: found}, seen)
	return v, found, nil
}

// Has is Get without the value.
func (nc *NearCache) Has(ctx context.Context, key string) (bool, error) {
	_, found, err := nc.Get(ctx, key)
	return found, err
}

// Put updates the overlay first, then the remote map. A failed remote write
// drops the overlay entry again.
func (nc *NearCache) Put(ctx context.Context, key, value string) error {
	nc.overlay.Add(key, overlayEntry{value: value, found: true})
	if err := nc.remote.Put(ctx, key, value); err != nil {
		nc.overlay.Remove(key)
		return err
	}
	return nil
}

// PutIfAbsent always round-trips to the remote map. The overlay records
// whichever value ends up stored, unless the entry changed meanwhile.
func (nc *NearCache) PutIfAbsent(ctx context.Context, key, value string) (string, bool, error) {
	seen := nc.generation()
	existing, loaded, err := nc.remote.PutIfAbsent(ctx, key, value)
	if err != nil {
		return "", false, err
	}
	if loaded {
		nc.remember(key, overlayEntry{value: existing, found: true}, seen)
		return existing, true, nil
	}
	nc.remember(key, overlayEntry{value: value, found: true}, seen)
	return "", false, nil
}

func (nc *NearCache) Remove(ctx context.Context, key string) error {
	nc.overlay.Remove(key)
	return nc.remote.Remove(ctx, key)
}

// CompareAndRemove drops the overlay entry and removes the remote record
// only while it still maps to expected.
func (nc *NearCache) CompareAndRemove(ctx context.Context, key, expected string) (bool, error) {
	nc.overlay.Remove(key)
	return nc.remote.CompareAndRemove(ctx, key, expected)
}

func (nc *NearCache) Size(ctx context.Context) (int, error) {
	return nc.remote.Size(ctx)
}

// OverlayLen returns the number of locally cached answers.
func (nc *NearCache) OverlayLen() int {
	return nc.overlay.Len()
}

// Close stops following the change feed.
func (nc *NearCache) Close() {
	if nc.unsubscribe != nil {
		nc.unsubscribe()
	}
}
