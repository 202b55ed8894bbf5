package ensemble

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- framing round-trip tests ---

func TestFrameRoundTrip(t *testing.T) {
	env, err := newEnvelope(CmdInvokeEntityFunc, InvokeEntityFunc{
		AppID:        "app1",
		EntityType:   "hero",
		EntityID:     "h1",
		Func:         "get",
		RequestID:    "r1",
		Payload:      Payload{"n": 1.0},
		SourceWorker: SourceWorker{NodeID: "a", WorkerID: "w0"},
	})
	require.NoError(t, err)
	env.TargetNodeID = "b"

	frame, err := encodeFrame(env)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(frame)-4), binary.BigEndian.Uint32(frame[:4]))

	got, err := readFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, CmdInvokeEntityFunc, got.Cmd)
	assert.Equal(t, "b", got.TargetNodeID)

	var msg InvokeEntityFunc
	require.NoError(t, json.Unmarshal(got.Msg, &msg))
	assert.Equal(t, "app1_hero_h1", msg.Key())
	assert.Equal(t, "w0", msg.SourceWorker.WorkerID)
}

func TestFrame_WireFieldNames(t *testing.T) {
	env := Envelope{Cmd: CmdSendResponse, Msg: json.RawMessage(`{}`), Broadcast: true, TargetNodeID: "n", TargetWorkerID: "w"}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"sr","msg":{},"broadcast":true,"targetNodeId":"n","targetWorkerId":"w"}`, string(data))
}

func TestReadFrame_RejectsBadLength(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(0))
	_, err := readFrame(&buf)
	assert.Error(t, err)

	buf.Reset()
	binary.Write(&buf, binary.BigEndian, uint32(maxFramePayload+1))
	_, err = readFrame(&buf)
	assert.Error(t, err)
}

func TestHandshakeRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go writeHandshake(c1, "node-a", "127.0.0.1:7400")

	id, addr, err := readHandshake(c2)
	require.NoError(t, err)
	assert.Equal(t, "node-a", id)
	assert.Equal(t, "127.0.0.1:7400", addr)
}

// --- live links ---

func newTestLink(t *testing.T, nodeID string, peers map[string]string, handler LinkHandler) *TCPLink {
	t.Helper()
	l, err := NewTCPLink(nodeID, "127.0.0.1:0", peers, testLogger(t))
	require.NoError(t, err)
	l.Start(handler)
	t.Cleanup(l.Stop)
	return l
}

func TestTCPLink_SendAndLearnPeer(t *testing.T) {
	fromB := make(chan Envelope, 1)
	fromA := make(chan Envelope, 1)

	var b *TCPLink
	a := newTestLink(t, "node-a", nil, func(from string, env Envelope) {
		if from == "node-b" {
			fromB <- env
		}
	})
	b = newTestLink(t, "node-b", map[string]string{"node-a": a.Addr()}, func(from string, env Envelope) {
		if from == "node-a" {
			fromA <- env
		}
	})

	assert.Equal(t, []string{"node-a", "node-b"}, b.NodeIDs())
	assert.Equal(t, []string{"node-a"}, a.NodeIDs())

	require.NoError(t, b.Send("node-a", Envelope{Cmd: CmdShutdownApp, Msg: json.RawMessage(`{"id":"app1"}`)}))
	select {
	case env := <-fromB:
		assert.Equal(t, CmdShutdownApp, env.Cmd)
		assert.JSONEq(t, `{"id":"app1"}`, string(env.Msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for envelope on node-a")
	}

	// node-a learned node-b from the handshake and can answer.
	require.Eventually(t, func() bool { return a.IsMember("node-b") }, time.Second, 5*time.Millisecond)
	require.NoError(t, a.Send("node-b", Envelope{Cmd: CmdSendResponse, Msg: json.RawMessage(`{}`)}))
	select {
	case env := <-fromA:
		assert.Equal(t, CmdSendResponse, env.Cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for envelope on node-b")
	}
}

func TestTCPLink_UnreachablePeerLeavesMembership(t *testing.T) {
	// Reserve a port and close it so dialing fails fast.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	a := newTestLink(t, "node-a", map[string]string{"node-z": dead}, nil)
	assert.True(t, a.IsMember("node-z"))

	assert.Error(t, a.Send("node-z", Envelope{Cmd: CmdShutdownApp, Msg: json.RawMessage(`{}`)}))
	assert.False(t, a.IsMember("node-z"))
	assert.Equal(t, []string{"node-a"}, a.NodeIDs())

	assert.Error(t, a.Send("node-unknown", Envelope{Cmd: CmdShutdownApp}))
}

func TestTCPLink_ClusterCallAcrossNodes(t *testing.T) {
	maps := NewMemoryMaps()
	store := NewMemoryStore()
	apps := StaticApps{"app1": newTestApp(t, "app1", counterTestType())}

	newNode := func(id string, link *TCPLink) *Node {
		n, err := NewNode(NewConfig(WithNodeID(id), WithWorkers(2)), NodeDeps{
			Store:   store,
			Maps:    maps,
			Apps:    apps,
			Members: link,
			Link:    link,
			Logger:  testLogger(t),
		})
		require.NoError(t, err)
		t.Cleanup(func() { n.Stop(context.Background()) })
		return n
	}

	var nodeA, nodeB *Node
	linkA, err := NewTCPLink("node-a", "127.0.0.1:0", nil, testLogger(t))
	require.NoError(t, err)
	linkB, err := NewTCPLink("node-b", "127.0.0.1:0", map[string]string{"node-a": linkA.Addr()}, testLogger(t))
	require.NoError(t, err)
	linkA.AddPeer("node-b", linkB.Addr())

	nodeA = newNode("node-a", linkA)
	nodeB = newNode("node-b", linkB)
	linkA.Start(nodeA.HandleRemote)
	linkB.Start(nodeB.HandleRemote)
	t.Cleanup(linkA.Stop)
	t.Cleanup(linkB.Stop)

	// Pin the entity to node-b so the call from node-a has to cross TCP.
	ctx := context.Background()
	require.NoError(t, maps.Map(OwnershipMapName).Put(ctx, FullKey("app1", "counter", "c-1"), "node-b"))

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := nodeA.Call(callCtx, Request{AppID: "app1", EntityType: "counter", Func: "inc", EntityID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, resp.Payload["value"])

	_, _, ok := nodeB.Peek("app1", "counter", "c-1")
	assert.True(t, ok)
	_, _, ok = nodeA.Peek("app1", "counter", "c-1")
	assert.False(t, ok)
}
