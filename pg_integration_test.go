package ensemble

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := testDSN(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, MigrateSchema(ctx, pool))
	return pool
}

func TestPGStore_Contract(t *testing.T) {
	testStoreContract(t, NewPGStore(testPool(t)))
}

func TestPGMap_Operations(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	maps := NewPGMaps(ctx, pool, testLogger(t))
	defer maps.Close()

	// A fresh map name per run keeps reruns independent.
	m := maps.Map("test-" + uuid.NewString())
	key := "app1/hero/h1"

	_, found, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	existing, loaded, err := m.PutIfAbsent(ctx, key, "node-1")
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Empty(t, existing)

	existing, loaded, err = m.PutIfAbsent(ctx, key, "node-2")
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "node-1", existing)

	removed, err := m.CompareAndRemove(ctx, key, "node-2")
	require.NoError(t, err)
	assert.False(t, removed)

	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	removed, err = m.CompareAndRemove(ctx, key, "node-1")
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, m.Put(ctx, key, "node-3"))
	v, _, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "node-3", v)

	require.NoError(t, m.Remove(ctx, key))
	size, err = m.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestPGMap_PutIfAbsentSingleWinner(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	maps := NewPGMaps(ctx, pool, testLogger(t))
	defer maps.Close()
	m := maps.Map("test-" + uuid.NewString())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		seen    = make(map[string]bool)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			candidate := fmt.Sprintf("node-%d", i)
			existing, loaded, err := m.PutIfAbsent(ctx, "k", candidate)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if loaded {
				seen[existing] = true
			} else {
				winners = append(winners, candidate)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	for owner := range seen {
		assert.Equal(t, winners[0], owner)
	}
}

func TestPGMap_NotifiesSubscribers(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	name := "test-" + uuid.NewString()

	// Two providers stand in for two processes.
	writer := NewPGMaps(ctx, pool, testLogger(t))
	defer writer.Close()
	reader := NewPGMaps(ctx, pool, testLogger(t))
	defer reader.Close()

	rec := &eventRecorder{}
	reader.Map(name).Subscribe(rec.listen)

	// The listener connects asynchronously; keep writing until it hears us.
	require.Eventually(t, func() bool {
		if err := writer.Map(name).Put(ctx, "k", "v1"); err != nil {
			return false
		}
		for _, ev := range rec.snapshot() {
			if ev.Key == "k" && ev.Value == "v1" {
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, writer.Map(name).Remove(ctx, "k"))
	require.Eventually(t, func() bool {
		events := rec.snapshot()
		return len(events) > 0 && events[len(events)-1] == MapEvent{Kind: MapEntryRemoved, Key: "k"}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPGMaps_ReconnectResetsSubscribers(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	name := "test-" + uuid.NewString()

	maps := NewPGMaps(ctx, pool, testLogger(t))
	defer maps.Close()
	m := maps.Map(name)

	rec := &eventRecorder{}
	m.Subscribe(rec.listen)
	resets := func() int {
		n := 0
		for _, ev := range rec.snapshot() {
			if ev.Kind == MapEntryReset {
				n++
			}
		}
		return n
	}

	require.Eventually(t, func() bool {
		if err := m.Put(ctx, "k", "v1"); err != nil {
			return false
		}
		for _, ev := range rec.snapshot() {
			if ev.Key == "k" {
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)
	before := resets()

	// Drop the listener's session out from under it.
	_, err := pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE query = $1 AND pid <> pg_backend_pid()`, "LISTEN "+mapChangeChannel)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return resets() > before }, 10*time.Second, 50*time.Millisecond)
}

func TestPGCluster_CallAcrossServers(t *testing.T) {
	dsn := testDSN(t)
	testPool(t)
	ctx := context.Background()

	// A fresh app id keeps ownership records of earlier runs out of the way.
	appID := "pg" + uuid.NewString()[:8]
	counter := counterTestType()
	apps := StaticApps{appID: newTestApp(t, appID, counter)}

	cfgA := testServerConfig("pg-node-a")
	cfgA.AdminAddr = ""
	cfgA.Store = StoreConfig{Kind: "postgres", DSN: dsn}
	cfgA.ClusterMap = ClusterMapConfig{Kind: "postgres", DSN: dsn}
	a, err := StartServer(ctx, cfgA, apps, testLogger(t))
	require.NoError(t, err)
	defer a.Stop(ctx)

	cfgB := cfgA
	cfgB.NodeID = "pg-node-b"
	cfgB.Peers = map[string]string{"pg-node-a": a.link.Addr()}
	b, err := StartServer(ctx, cfgB, apps, testLogger(t))
	require.NoError(t, err)
	defer b.Stop(ctx)

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for i := 1; i <= 5; i++ {
		resp, err := b.Node.Call(callCtx, Request{AppID: appID, EntityType: "counter", Func: "inc", EntityID: fmt.Sprintf("c-%d", i)})
		require.NoError(t, err)
		assert.Equal(t, 1.0, resp.Payload["value"])
	}

	require.NoError(t, a.Node.Flush(ctx))
	require.NoError(t, b.Node.Flush(ctx))
	for i := 1; i <= 5; i++ {
		_, found, err := a.store.Get(ctx, FullKey(appID, "counter", fmt.Sprintf("c-%d", i)))
		require.NoError(t, err)
		assert.True(t, found)
	}
}
