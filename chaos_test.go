package ensemble

// Chaos tests check the single-resident-copy invariant under concurrent
// traffic and node loss.
//
// Invariants verified:
//   - Serialization: invocations of one entity never run concurrently, so a
//     sequence number kept in its state advances by exactly one per call.
//   - No interleaving: the nodes serving an entity form runs. Valid: A,A,B,B.
//     Invalid: A,B,A.
//   - A node that left the cluster stops serving.

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type auditEvent struct {
	Entity string
	Node   string
	Seq    int
	At     time.Time
}

type auditLog struct {
	mu     sync.Mutex
	events []auditEvent
}

func (l *auditLog) record(ev auditEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// byEntity returns the events per entity in the order they were recorded.
func (l *auditLog) byEntity() map[string][]auditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]auditEvent)
	for _, ev := range l.events {
		out[ev.Entity] = append(out[ev.Entity], ev)
	}
	return out
}

func auditApps(log *auditLog) func(nodeID string) AppSource {
	return func(nodeID string) AppSource {
		audit := &EntityType{
			Name: "audit",
			Funcs: map[string]Func{
				"hit": {Visibility: Public, Body: func(call *FuncCall) (Result, error) {
					seq, _ := call.State["seq"].(float64)
					seq++
					log.record(auditEvent{Entity: call.EntityID, Node: nodeID, Seq: int(seq), At: time.Now()})
					call.Ctx.SendResponse(Payload{"seq": seq}, nil)
					return ReplaceState(State{"seq": seq}), nil
				}},
			},
		}
		app, _ := NewApp("app1", audit)
		return StaticApps{"app1": app}
	}
}

func makeAuditIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("a-%02d", i)
	}
	return ids
}

// trafficSender hits random entities from random nodes until stopped.
type trafficSender struct {
	mu        sync.Mutex
	nodes     []*Node
	successes map[string]int
	errors    int

	stop chan struct{}
	wg   sync.WaitGroup
}

func newTrafficSender(nodes []*Node) *trafficSender {
	return &trafficSender{
		nodes:     nodes,
		successes: make(map[string]int),
		stop:      make(chan struct{}),
	}
}

func (s *trafficSender) start(goroutines int, ids []string) {
	for range goroutines {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.stop:
					return
				default:
				}
				n := s.nodes[rand.IntN(len(s.nodes))]
				id := ids[rand.IntN(len(ids))]

				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_, err := n.Call(ctx, Request{AppID: "app1", EntityType: "audit", Func: "hit", EntityID: id})
				cancel()

				s.mu.Lock()
				if err != nil {
					s.errors++
				} else {
					s.successes[id]++
				}
				s.mu.Unlock()
			}
		}()
	}
}

func (s *trafficSender) halt() {
	close(s.stop)
	s.wg.Wait()
}

// verifyNoInterleaving checks that each entity's serving nodes form runs.
func verifyNoInterleaving(t *testing.T, events map[string][]auditEvent) {
	t.Helper()
	for id, evs := range events {
		seen := make(map[string]bool)
		prev := ""
		for _, ev := range evs {
			if ev.Node != prev {
				if seen[ev.Node] {
					t.Errorf("%s: node %s served again after %s", id, ev.Node, prev)
				}
				seen[ev.Node] = true
				prev = ev.Node
			}
		}
	}
}

// verifyConsecutive checks that, per node run, sequence numbers grow by one.
func verifyConsecutive(t *testing.T, events map[string][]auditEvent) {
	t.Helper()
	for id, evs := range events {
		for i := 1; i < len(evs); i++ {
			if evs[i].Node != evs[i-1].Node {
				continue
			}
			if evs[i].Seq != evs[i-1].Seq+1 {
				t.Errorf("%s on %s: seq %d followed by %d", id, evs[i].Node, evs[i-1].Seq, evs[i].Seq)
			}
		}
	}
}

func TestChaos_ConcurrentTrafficSerializes(t *testing.T) {
	log := &auditLog{}
	c := newTestClusterFor(t, 3, auditApps(log))
	ids := makeAuditIDs(20)

	sender := newTrafficSender(c.nodes)
	sender.start(8, ids)
	time.Sleep(400 * time.Millisecond)
	sender.halt()

	require.Zero(t, sender.errors)

	events := log.byEntity()
	verifyNoInterleaving(t, events)
	verifyConsecutive(t, events)

	ctx := context.Background()
	for id, evs := range events {
		// Every successful call ran exactly once, on the recorded owner.
		assert.Len(t, evs, sender.successes[id], id)
		assert.Equal(t, 1, evs[0].Seq, id)

		owner, ok, err := c.ownership().Get(ctx, FullKey("app1", "audit", id))
		require.NoError(t, err)
		require.True(t, ok, id)
		assert.Equal(t, owner, evs[0].Node, id)
	}
}

func TestChaos_NodeLossMidTraffic(t *testing.T) {
	log := &auditLog{}
	c := newTestClusterFor(t, 3, auditApps(log))
	ids := makeAuditIDs(30)

	before := newTrafficSender(c.nodes)
	before.start(8, ids)
	time.Sleep(300 * time.Millisecond)
	before.halt()

	t.Log("node-3 leaves")
	c.bus.Leave("node-3")
	leftAt := time.Now()

	after := newTrafficSender(c.nodes[:2])
	after.start(8, ids)
	time.Sleep(300 * time.Millisecond)
	after.halt()
	t.Logf("errors before=%d after=%d", before.errors, after.errors)
	require.Zero(t, after.errors)

	events := log.byEntity()
	verifyNoInterleaving(t, events)
	verifyConsecutive(t, events)

	for id, evs := range events {
		for i, ev := range evs {
			if ev.Node == "node-3" && ev.At.After(leftAt) {
				t.Errorf("%s: node-3 served after leaving", id)
			}
			if i > 0 && evs[i-1].Node != ev.Node && evs[i-1].Node != "node-3" {
				t.Errorf("%s: moved from %s to %s without a node loss", id, evs[i-1].Node, ev.Node)
			}
		}
	}

	// Survivors hold each entity at most once.
	for _, id := range ids {
		holders := 0
		for _, n := range c.nodes[:2] {
			if _, _, ok := n.Peek("app1", "audit", id); ok {
				holders++
			}
		}
		assert.LessOrEqual(t, holders, 1, id)
	}
}
