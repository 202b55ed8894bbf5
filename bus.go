package ensemble

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// LocalBus connects nodes living in the same process. It is both their
// Membership and their NodeLink. Envelopes are delivered synchronously with
// a private copy of the message bytes.
type LocalBus struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

func NewLocalBus() *LocalBus {
	return &LocalBus{nodes: make(map[string]*Node)}
}

// Join makes n reachable and visible to the other nodes.
func (b *LocalBus) Join(n *Node) {
	b.mu.Lock()
	b.nodes[n.ID()] = n
	b.mu.Unlock()
}

// Leave removes a node, as if it had crashed.
func (b *LocalBus) Leave(nodeID string) {
	b.mu.Lock()
	delete(b.nodes, nodeID)
	b.mu.Unlock()
}

func (b *LocalBus) NodeIDs() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (b *LocalBus) IsMember(nodeID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.nodes[nodeID]
	return ok
}

func (b *LocalBus) Send(nodeID string, env Envelope) error {
	b.mu.RLock()
	n, ok := b.nodes[nodeID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("local bus: node %s not joined", nodeID)
	}
	env.Msg = bytes.Clone(env.Msg)
	n.HandleRemote("", env)
	return nil
}
