package ensemble

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCluster struct {
	bus   *LocalBus
	maps  *MemoryMaps
	store *MemoryStore
	nodes []*Node
}

func newTestCluster(t *testing.T, size int, apps AppSource, opts ...Option) *testCluster {
	t.Helper()
	return newTestClusterFor(t, size, func(string) AppSource { return apps }, opts...)
}

// newTestClusterFor gives every node its own app source, keyed by node id.
func newTestClusterFor(t *testing.T, size int, appsFor func(nodeID string) AppSource, opts ...Option) *testCluster {
	t.Helper()
	c := &testCluster{
		bus:   NewLocalBus(),
		maps:  NewMemoryMaps(),
		store: NewMemoryStore(),
	}
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("node-%d", i+1)
		nodeOpts := append([]Option{WithNodeID(id), WithWorkers(2)}, opts...)
		n, err := NewNode(NewConfig(nodeOpts...), NodeDeps{
			Store:   c.store,
			Maps:    c.maps,
			Apps:    appsFor(id),
			Members: c.bus,
			Link:    c.bus,
			Logger:  testLogger(t),
		})
		require.NoError(t, err)
		c.bus.Join(n)
		c.nodes = append(c.nodes, n)
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			n.Stop(context.Background())
		}
	})
	return c
}

func (c *testCluster) ownership() *MemoryMap {
	return c.maps.MemoryMap(OwnershipMapName)
}

func (c *testCluster) call(t *testing.T, n *Node, req Request) *Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := n.Call(ctx, req)
	require.NoError(t, err)
	return resp
}

func counterApps(t *testing.T) StaticApps {
	return StaticApps{"app1": newTestApp(t, "app1", counterTestType(), heroTestType())}
}

func incRequest(id string) Request {
	return Request{AppID: "app1", EntityType: "counter", Func: "inc", EntityID: id}
}

func TestNode_CallsSerializeThroughOwner(t *testing.T) {
	c := newTestCluster(t, 3, counterApps(t))

	for i := 0; i < 9; i++ {
		resp := c.call(t, c.nodes[i%3], incRequest("c-1"))
		assert.Equal(t, float64(i+1), resp.Payload["value"])
	}

	// Exactly one node holds the entity, and it is the recorded owner.
	owner, ok, _ := c.ownership().Get(context.Background(), FullKey("app1", "counter", "c-1"))
	require.True(t, ok)
	holders := 0
	for _, n := range c.nodes {
		if _, _, ok := n.Peek("app1", "counter", "c-1"); ok {
			holders++
			assert.Equal(t, owner, n.ID())
		}
	}
	assert.Equal(t, 1, holders)
}

func TestNode_OwnerLeavingTriggersReResolve(t *testing.T) {
	c := newTestCluster(t, 2, counterApps(t))
	ctx := context.Background()
	key := FullKey("app1", "counter", "c-9")

	// Record an owner that is not part of the cluster.
	require.NoError(t, c.ownership().Put(ctx, key, "node-ghost"))

	resp := c.call(t, c.nodes[0], incRequest("c-9"))
	assert.Equal(t, 1.0, resp.Payload["value"])

	owner, _, _ := c.ownership().Get(ctx, key)
	assert.Contains(t, []string{"node-1", "node-2"}, owner)

	retries := c.nodes[0].Metrics().Snapshot()["ensemble_router_retries_total"]
	assert.Equal(t, 1.0, retries)
}

func TestNode_RejectsPrivateAndUnknownFunctions(t *testing.T) {
	apps := counterApps(t)
	apps["app1"].Types["counter"].Funcs["secret"] = Func{Visibility: Private, Body: func(*FuncCall) (Result, error) {
		return KeepState(), nil
	}}
	c := newTestCluster(t, 1, apps)
	ctx := context.Background()

	_, err := c.nodes[0].Call(ctx, Request{AppID: "app1", EntityType: "counter", Func: "secret", EntityID: "c-1"})
	assert.ErrorIs(t, err, ErrFuncNotPublic)

	_, err = c.nodes[0].Call(ctx, Request{AppID: "app1", EntityType: "counter", Func: "nope", EntityID: "c-1"})
	assert.ErrorIs(t, err, ErrUnknownFunc)

	_, err = c.nodes[0].Call(ctx, Request{AppID: "app1", EntityType: "ghost", Func: "inc", EntityID: "c-1"})
	assert.ErrorIs(t, err, ErrUnknownEntityType)

	_, err = c.nodes[0].Call(ctx, Request{AppID: "nope", EntityType: "counter", Func: "inc", EntityID: "c-1"})
	assert.ErrorIs(t, err, ErrAppNotFound)

	err = c.nodes[0].Send(ctx, Request{AppID: "app1", EntityType: "counter", Func: "inc", EntityID: "x"})
	assert.ErrorIs(t, err, ErrInvalidEntityID)
}

func TestNode_CallTimesOut(t *testing.T) {
	silent := &EntityType{
		Name: "silent",
		Funcs: map[string]Func{
			"ignore": {Visibility: Public, Body: func(*FuncCall) (Result, error) { return KeepState(), nil }},
		},
	}
	c := newTestCluster(t, 1, StaticApps{"app1": newTestApp(t, "app1", silent)})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.nodes[0].Call(ctx, Request{AppID: "app1", EntityType: "silent", Func: "ignore", EntityID: "s-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNode_MaintenanceShutdownAndResume(t *testing.T) {
	c := newTestCluster(t, 3, counterApps(t))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		c.call(t, c.nodes[i%3], incRequest(fmt.Sprintf("c-%d", i)))
	}
	size, _ := c.ownership().Size(ctx)
	require.Equal(t, 12, size)

	require.NoError(t, c.nodes[0].EnableMaintenance(ctx, "app1"))
	for _, n := range c.nodes {
		_, err := n.Call(ctx, incRequest("c-1"))
		assert.ErrorIs(t, err, ErrAppInMaintenance)
	}

	require.NoError(t, c.nodes[0].ShutdownApp(ctx, "app1"))

	// Remote nodes shut down asynchronously.
	require.Eventually(t, func() bool {
		for _, n := range c.nodes {
			if len(n.LoadedApps()) != 0 {
				return false
			}
		}
		size, _ := c.ownership().Size(ctx)
		return size == 0
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 12; i++ {
		_, ok := c.store.Raw(FullKey("app1", "counter", fmt.Sprintf("c-%d", i)))
		assert.True(t, ok, "c-%d not persisted", i)
	}

	require.NoError(t, c.nodes[1].DisableMaintenance(ctx, "app1"))
	require.Eventually(t, func() bool {
		_, err := c.nodes[2].Call(ctx, incRequest("c-1"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// State survived the shutdown through the store.
	resp := c.call(t, c.nodes[0], Request{AppID: "app1", EntityType: "counter", Func: "get", EntityID: "c-1"})
	assert.Equal(t, map[string]any{"value": 2.0}, resp.Payload["state"])
}

func TestNode_FunctionCallsAcrossEntities(t *testing.T) {
	relay := &EntityType{
		Name: "relay",
		Funcs: map[string]Func{
			// forward answers the caller's request from another entity.
			"forward": {Visibility: Public, Body: func(call *FuncCall) (Result, error) {
				target, _ := call.Payload["to"].(string)
				return KeepState(), call.Lib.Invoke("counter", "inc", target, nil, call.Ctx)
			}},
		},
	}
	c := newTestCluster(t, 3, StaticApps{"app1": newTestApp(t, "app1", relay, counterTestType())})

	for i := 0; i < 6; i++ {
		resp := c.call(t, c.nodes[i%3], Request{
			AppID: "app1", EntityType: "relay", Func: "forward",
			EntityID: fmt.Sprintf("relay-%d", i), Payload: Payload{"to": "shared"},
		})
		assert.Equal(t, float64(i+1), resp.Payload["value"])
	}
}

func TestNode_DeleteReleasesOwnership(t *testing.T) {
	c := newTestCluster(t, 2, counterApps(t))
	ctx := context.Background()
	key := FullKey("app1", "hero", "h-1")

	c.call(t, c.nodes[0], Request{AppID: "app1", EntityType: "hero", Func: "set", EntityID: "h-1", Payload: Payload{"name": "Ayla"}})
	_, owned, _ := c.ownership().Get(ctx, key)
	require.True(t, owned)

	resp := c.call(t, c.nodes[1], Request{AppID: "app1", EntityType: "hero", Func: "retire", EntityID: "h-1"})
	assert.Equal(t, true, resp.Payload["retired"])

	require.Eventually(t, func() bool {
		_, owned, _ := c.ownership().Get(ctx, key)
		return !owned && c.store.Removes(key) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocalBus_Membership(t *testing.T) {
	c := newTestCluster(t, 2, counterApps(t))

	assert.Equal(t, []string{"node-1", "node-2"}, c.bus.NodeIDs())
	assert.Equal(t, []string{"node-1", "node-2"}, c.nodes[0].ClusterNodeIDs())

	c.bus.Leave("node-2")
	assert.False(t, c.bus.IsMember("node-2"))
	assert.Error(t, c.bus.Send("node-2", Envelope{Cmd: CmdShutdownApp}))
}
