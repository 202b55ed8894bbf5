package ensemble

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract runs the behaviour every Store must share.
func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := FullKey("app1", "counter", "contract-1")

	_, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(ctx, key, []byte(`{"value":1,"_v":1}`)))
	data, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"value":1,"_v":1}`, string(data))

	require.NoError(t, s.Put(ctx, key, []byte(`{"value":2,"_v":1}`)))
	data, _, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":2,"_v":1}`, string(data))

	require.NoError(t, s.Remove(ctx, key))
	_, found, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	// Removing a missing key is not an error.
	require.NoError(t, s.Remove(ctx, key))
}

func TestMemoryStore_Contract(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_CopiesData(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	buf := []byte(`{"a":1}`)
	require.NoError(t, s.Put(ctx, "k", buf))
	buf[2] = 'b'

	data, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestMemoryStore_InjectedErrorsAndCounters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SetPutError(errors.New("disk full"))
	assert.Error(t, s.Put(ctx, "k", []byte("{}")))
	_, ok := s.Raw("k")
	assert.False(t, ok)

	s.SetPutError(nil)
	require.NoError(t, s.Put(ctx, "k", []byte("{}")))

	var seen []string
	s.SetGetHook(func(key string) { seen = append(seen, key) })
	s.Get(ctx, "k")
	s.Get(ctx, "other")

	assert.Equal(t, []string{"k", "other"}, seen)
	assert.Equal(t, 2, s.Puts("k"))
	assert.Equal(t, 1, s.Gets("k"))
}

func TestSQLiteStore_Contract(t *testing.T) {
	s, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "entities.db"))
	require.NoError(t, err)
	defer s.Shutdown()

	testStoreContract(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entities.db")

	s, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "app1/counter/c-1", []byte(`{"value":7,"_v":2}`)))
	require.NoError(t, s.Shutdown())

	s, err = OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Shutdown()

	data, found, err := s.Get(ctx, "app1/counter/c-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"value":7,"_v":2}`, string(data))
}

func TestSQLiteStore_BacksRuntime(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entities.db")

	s, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Shutdown()

	bus := NewLocalBus()
	n, err := NewNode(NewConfig(WithNodeID("node-1"), WithWorkers(1)), NodeDeps{
		Store:   s,
		Maps:    NewMemoryMaps(),
		Apps:    counterApps(t),
		Members: bus,
		Link:    bus,
		Logger:  testLogger(t),
	})
	require.NoError(t, err)
	bus.Join(n)

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = n.Call(callCtx, incRequest("c-1"))
	require.NoError(t, err)
	require.NoError(t, n.Stop(ctx))

	data, found, err := s.Get(ctx, FullKey("app1", "counter", "c-1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"value":1,"_v":3}`, string(data))
}
