package ensemble

import (
	"context"
	"sync"
)

// MapEventKind classifies a change notification from a DistributedMap.
type MapEventKind string

const (
	MapEntryAdded   MapEventKind = "added"
	MapEntryUpdated MapEventKind = "updated"
	MapEntryRemoved MapEventKind = "removed"
	MapEntryEvicted MapEventKind = "evicted"
	// MapEntryReset tells subscribers that events may have been missed and
	// anything derived from earlier ones should be dropped. Key is empty.
	MapEntryReset MapEventKind = "reset"
)

// MapEvent describes one change to a distributed map entry. Value is empty
// for removals and evictions.
type MapEvent struct {
	Kind  MapEventKind `json:"kind"`
	Key   string       `json:"key"`
	Value string       `json:"value,omitempty"`
}

// MapListener receives change notifications. Listeners must not block.
type MapListener func(MapEvent)

// DistributedMap is a cluster-wide string map. PutIfAbsent is the only
// operation that has to be atomic across the cluster.
type DistributedMap interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	// PutIfAbsent stores value when key is absent. When another value is
	// already present it is returned with loaded=true and nothing changes.
	PutIfAbsent(ctx context.Context, key, value string) (existing string, loaded bool, err error)
	Remove(ctx context.Context, key string) error
	// CompareAndRemove deletes key only while it still maps to expected.
	CompareAndRemove(ctx context.Context, key, expected string) (bool, error)
	Size(ctx context.Context) (int, error)
	// Subscribe registers a change listener. The returned func unsubscribes.
	Subscribe(listener MapListener) (unsubscribe func())
}

// MapProvider hands out named distributed maps.
type MapProvider interface {
	Map(name string) DistributedMap
}

const (
	OwnershipMapName   = "entity-ownership"
	MaintenanceMapName = "apps-in-maintenance"
)

// MemoryMaps is a MapProvider whose maps live in process memory. Several
// in-process nodes sharing one MemoryMaps see a single consistent cluster
// view, which is what tests and the playground use.
type MemoryMaps struct {
	mu   sync.Mutex
	maps map[string]*MemoryMap
}

func NewMemoryMaps() *MemoryMaps {
	return &MemoryMaps{maps: make(map[string]*MemoryMap)}
}

func (p *MemoryMaps) Map(name string) DistributedMap {
	return p.MemoryMap(name)
}

// MemoryMap returns the concrete map for name, creating it on first use.
func (p *MemoryMaps) MemoryMap(name string) *MemoryMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.maps[name]
	if !ok {
		m = NewMemoryMap()
		p.maps[name] = m
	}
	return m
}

// MemoryMap implements DistributedMap over a Go map. Listeners are called
// synchronously after the mutation, outside the map lock.
type MemoryMap struct {
	mu        sync.Mutex
	data      map[string]string
	listeners map[int]MapListener
	nextID    int
}

func NewMemoryMap() *MemoryMap {
	return &MemoryMap{
		data:      make(map[string]string),
		listeners: make(map[int]MapListener),
	}
}

func (m *MemoryMap) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryMap) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	_, existed := m.data[key]
	m.data[key] = value
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	kind := MapEntryAdded
	if existed {
		kind = MapEntryUpdated
	}
	notify(listeners, MapEvent{Kind: kind, Key: key, Value: value})
	return nil
}

func (m *MemoryMap) PutIfAbsent(_ context.Context, key, value string) (string, bool, error) {
	m.mu.Lock()
	if existing, ok := m.data[key]; ok {
		m.mu.Unlock()
		return existing, true, nil
	}
	m.data[key] = value
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	notify(listeners, MapEvent{Kind: MapEntryAdded, Key: key, Value: value})
	return "", false, nil
}

func (m *MemoryMap) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	if _, ok := m.data[key]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.data, key)
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	notify(listeners, MapEvent{Kind: MapEntryRemoved, Key: key})
	return nil
}

func (m *MemoryMap) CompareAndRemove(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	if v, ok := m.data[key]; !ok || v != expected {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.data, key)
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	notify(listeners, MapEvent{Kind: MapEntryRemoved, Key: key})
	return true, nil
}

func (m *MemoryMap) Size(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data), nil
}

// Keys returns a copy of the current key set.
func (m *MemoryMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

func (m *MemoryMap) Subscribe(listener MapListener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *MemoryMap) snapshotListenersLocked() []MapListener {
	out := make([]MapListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []MapListener, ev MapEvent) {
	for _, l := range listeners {
		l(ev)
	}
}
