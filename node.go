package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// NodeDeps are the process-wide collaborators of a node.
type NodeDeps struct {
	Store   Store
	Maps    MapProvider
	Apps    AppSource
	Members Membership
	Link    NodeLink
	Metrics *Metrics
	Logger  zerolog.Logger
}

// Node is one cluster member. It runs a fixed set of workers and moves
// envelopes between them and the other nodes.
type Node struct {
	id        string
	workers   map[string]*Worker
	workerIDs []string
	members   Membership
	link      NodeLink
	metrics   *Metrics
	log       zerolog.Logger
}

// NewNode builds the node and its workers.
func NewNode(cfg Config, deps NodeDeps) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	n := &Node{
		id:      cfg.NodeID,
		workers: make(map[string]*Worker, cfg.Workers),
		members: deps.Members,
		link:    deps.Link,
		metrics: deps.Metrics,
		log:     deps.Logger.With().Str("node", cfg.NodeID).Logger(),
	}
	for i := range cfg.Workers {
		n.workerIDs = append(n.workerIDs, fmt.Sprintf("w%d", i))
	}

	for _, wid := range n.workerIDs {
		w, err := NewWorker(cfg, WorkerDeps{
			NodeID:    cfg.NodeID,
			WorkerID:  wid,
			WorkerIDs: n.workerIDs,
			Transport: &workerTransport{node: n, workerID: wid},
			Store:     deps.Store,
			Maps:      deps.Maps,
			Apps:      deps.Apps,
			Metrics:   deps.Metrics,
			Logger:    deps.Logger,
		})
		if err != nil {
			n.Stop(context.Background())
			return nil, fmt.Errorf("start worker %s: %w", wid, err)
		}
		n.workers[wid] = w
	}

	n.log.Info().Int("workers", len(n.workerIDs)).Msg("node started")
	return n, nil
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) WorkerIDs() []string {
	return n.workerIDs
}

func (n *Node) Worker(id string) (*Worker, bool) {
	w, ok := n.workers[id]
	return w, ok
}

func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// ClusterNodeIDs lists the members this node currently sees.
func (n *Node) ClusterNodeIDs() []string {
	return n.members.NodeIDs()
}

// workerForKey is the worker that would own fullKey if this node owns it.
func (n *Node) workerForKey(fullKey string) *Worker {
	return n.workers[WorkerFor(fullKey, n.workerIDs)]
}

// Call serves a client request through the worker the entity hashes to.
func (n *Node) Call(ctx context.Context, req Request) (*Response, error) {
	return n.workerForKey(FullKey(req.AppID, req.EntityType, req.EntityID)).Call(ctx, req)
}

// Send is Call without waiting for a response.
func (n *Node) Send(ctx context.Context, req Request) error {
	return n.workerForKey(FullKey(req.AppID, req.EntityType, req.EntityID)).Send(ctx, req)
}

// EnableMaintenance marks appID as under maintenance cluster-wide.
func (n *Node) EnableMaintenance(ctx context.Context, appID string) error {
	return n.workers[n.workerIDs[0]].apps.EnableMaintenance(ctx, appID)
}

func (n *Node) DisableMaintenance(ctx context.Context, appID string) error {
	return n.workers[n.workerIDs[0]].apps.DisableMaintenance(ctx, appID)
}

// ShutdownApp tears appID down on every local worker and waits for that,
// then asks every other node to do the same without waiting.
func (n *Node) ShutdownApp(ctx context.Context, appID string) error {
	var (
		g    errgroup.Group
		errs = make([]error, len(n.workerIDs))
	)
	for i, wid := range n.workerIDs {
		w := n.workers[wid]
		g.Go(func() error {
			errs[i] = w.apps.ShutdownApp(ctx, appID, false)
			return nil
		})
	}
	g.Wait()

	env, err := newEnvelope(CmdShutdownApp, ShutdownApp{ID: appID})
	if err != nil {
		return err
	}
	env.Broadcast = true
	n.sendToRemoteNodes(env)

	return multierr.Combine(errs...)
}

// ResidentEntities lists the entities of appID held by this node's workers.
func (n *Node) ResidentEntities(appID string) ([]ResidentEntity, error) {
	var (
		out  []ResidentEntity
		errs error
	)
	for _, wid := range n.workerIDs {
		rt, ok := n.workers[wid].apps.Loaded(appID)
		if !ok {
			continue
		}
		res, err := rt.Resident()
		errs = multierr.Append(errs, err)
		out = append(out, res...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, errs
}

// ResidentCounts sums the resident entities of appID per type across the
// local workers.
func (n *Node) ResidentCounts(appID string) map[string]int {
	out := make(map[string]int)
	for _, wid := range n.workerIDs {
		rt, ok := n.workers[wid].apps.Loaded(appID)
		if !ok {
			continue
		}
		for typ, c := range rt.ResidentCount() {
			out[typ] += c
		}
	}
	return out
}

// Peek finds a resident entity on whichever local worker holds it.
func (n *Node) Peek(appID, entityType, entityID string) (State, int, bool) {
	for _, wid := range n.workerIDs {
		rt, ok := n.workers[wid].apps.Loaded(appID)
		if !ok {
			continue
		}
		if s, v, ok := rt.Peek(entityType, entityID); ok {
			return s, v, true
		}
	}
	return nil, 0, false
}

// Flush persists every dirty entity on this node now.
func (n *Node) Flush(ctx context.Context) error {
	var errs error
	for _, wid := range n.workerIDs {
		w := n.workers[wid]
		for _, appID := range w.apps.AppIDs() {
			if rt, ok := w.apps.Loaded(appID); ok {
				errs = multierr.Append(errs, rt.Flush(ctx))
			}
		}
	}
	return errs
}

// LoadedApps lists the apps running on any local worker.
func (n *Node) LoadedApps() []string {
	seen := make(map[string]struct{})
	for _, w := range n.workers {
		for _, id := range w.apps.AppIDs() {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HandleRemote accepts an envelope from another node.
func (n *Node) HandleRemote(fromNodeID string, env Envelope) {
	if env.Broadcast {
		for _, wid := range n.workerIDs {
			n.workers[wid].HandleEnvelope(env)
		}
		return
	}
	n.deliverLocal(env)
}

func (n *Node) deliverLocal(env Envelope) {
	workerID := env.TargetWorkerID
	if workerID == "" {
		if env.Cmd != CmdInvokeEntityFunc {
			n.log.Error().Str("cmd", env.Cmd).Msg("untargeted command, dropped")
			return
		}
		var msg InvokeEntityFunc
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			n.log.Error().Err(err).Msg("bad invoke message")
			return
		}
		workerID = WorkerFor(msg.Key(), n.workerIDs)
	}

	w, ok := n.workers[workerID]
	if !ok {
		n.log.Error().Err(fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)).Str("cmd", env.Cmd).Msg("dropping cluster message")
		return
	}
	w.HandleEnvelope(env)
}

func (n *Node) route(env Envelope) SendResult {
	if env.TargetNodeID == n.id {
		n.deliverLocal(env)
		return SendOK
	}
	if !n.members.IsMember(env.TargetNodeID) {
		return SendNotFound
	}
	if err := n.link.Send(env.TargetNodeID, env); err != nil {
		n.log.Warn().Err(err).Str("target", env.TargetNodeID).Msg("send to node failed")
		return SendNotFound
	}
	return SendOK
}

func (n *Node) sendToRemoteNodes(env Envelope) {
	for _, id := range n.members.NodeIDs() {
		if id == n.id {
			continue
		}
		if err := n.link.Send(id, env); err != nil {
			n.log.Warn().Err(err).Str("target", id).Str("cmd", env.Cmd).Msg("broadcast to node failed")
		}
	}
}

// Stop stops every worker.
func (n *Node) Stop(ctx context.Context) error {
	var errs error
	for _, wid := range n.workerIDs {
		if w, ok := n.workers[wid]; ok {
			errs = multierr.Append(errs, w.Stop(ctx))
		}
	}
	n.log.Info().Msg("node stopped")
	return errs
}

// workerTransport is the ClusterTransport a worker sees.
type workerTransport struct {
	node     *Node
	workerID string
}

func (t *workerTransport) SendToNode(nodeID, workerID, cmd string, msg any) SendResult {
	env, err := newEnvelope(cmd, msg)
	if err != nil {
		t.node.log.Error().Err(err).Msg("cannot encode cluster message")
		return SendOK
	}
	env.TargetNodeID = nodeID
	env.TargetWorkerID = workerID
	t.node.metrics.clusterMessage("out", cmd)
	return t.node.route(env)
}

// Broadcast reaches every local worker except the sender and every other
// node.
func (t *workerTransport) Broadcast(cmd string, msg any) {
	env, err := newEnvelope(cmd, msg)
	if err != nil {
		t.node.log.Error().Err(err).Msg("cannot encode cluster message")
		return
	}
	env.Broadcast = true
	t.node.metrics.clusterMessage("out", cmd)

	for _, wid := range t.node.workerIDs {
		if wid != t.workerID {
			t.node.workers[wid].HandleEnvelope(env)
		}
	}
	t.node.sendToRemoteNodes(env)
}

func (t *workerTransport) AllNodeIDs() []string {
	return t.node.members.NodeIDs()
}
