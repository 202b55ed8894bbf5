package ensemble

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []MapEvent
}

func (r *eventRecorder) listen(ev MapEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []MapEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MapEvent(nil), r.events...)
}

func TestMemoryMap_Operations(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMap()
	rec := &eventRecorder{}
	unsubscribe := m.Subscribe(rec.listen)

	_, loaded, err := m.PutIfAbsent(ctx, "k", "n1")
	require.NoError(t, err)
	assert.False(t, loaded)

	existing, loaded, err := m.PutIfAbsent(ctx, "k", "n2")
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "n1", existing)

	require.NoError(t, m.Put(ctx, "k", "n3"))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "n3", v)

	removed, err := m.CompareAndRemove(ctx, "k", "n1")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = m.CompareAndRemove(ctx, "k", "n3")
	require.NoError(t, err)
	assert.True(t, removed)

	// Removing a missing key is silent.
	require.NoError(t, m.Remove(ctx, "k"))

	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	want := []MapEvent{
		{Kind: MapEntryAdded, Key: "k", Value: "n1"},
		{Kind: MapEntryUpdated, Key: "k", Value: "n3"},
		{Kind: MapEntryRemoved, Key: "k"},
	}
	if diff := cmp.Diff(want, rec.snapshot()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	unsubscribe()
	require.NoError(t, m.Put(ctx, "other", "x"))
	assert.Len(t, rec.snapshot(), 3)
}

func TestMemoryMap_PutIfAbsentSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMap()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, node := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, loaded, err := m.PutIfAbsent(ctx, "key", node)
			require.NoError(t, err)
			if !loaded {
				mu.Lock()
				winners = append(winners, node)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	v, _, _ := m.Get(ctx, "key")
	assert.Equal(t, winners[0], v)
}

func TestMemoryMaps_SharedByName(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryMaps()

	require.NoError(t, p.Map(OwnershipMapName).Put(ctx, "k", "v"))

	v, ok, _ := p.Map(OwnershipMapName).Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok, _ = p.Map(MaintenanceMapName).Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, []string{"k"}, p.MemoryMap(OwnershipMapName).Keys())
}
