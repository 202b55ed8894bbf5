package ensemble

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog"
)

// SourceLookup resolves the remote origin of a request, if one was recorded.
type SourceLookup interface {
	SourceWorker(requestID string) (SourceWorker, bool)
}

// EntityRouter decides whether an invocation runs on this worker or has to
// be forwarded to the entity's owning node.
type EntityRouter struct {
	nodeID    string
	workerID  string
	workerIDs []string
	ownership *NearCache
	cluster   ClusterTransport
	sources   SourceLookup
	metrics   *Metrics
	log       zerolog.Logger
	pick      func(n int) int
}

func NewEntityRouter(nodeID, workerID string, workerIDs []string, ownership *NearCache, cluster ClusterTransport, sources SourceLookup, metrics *Metrics, log zerolog.Logger) *EntityRouter {
	return &EntityRouter{
		nodeID:    nodeID,
		workerID:  workerID,
		workerIDs: workerIDs,
		ownership: ownership,
		cluster:   cluster,
		sources:   sources,
		metrics:   metrics,
		log:       log.With().Str("component", "router").Logger(),
		pick:      rand.IntN,
	}
}

// RedirectOrLocal returns false when the invocation must run on this
// worker. Otherwise the invocation has been forwarded and true is returned.
func (r *EntityRouter) RedirectOrLocal(ctx context.Context, inv InvokeEntityFunc) (bool, error) {
	key := inv.Key()

	nodeID, err := r.owner(ctx, key)
	if err != nil {
		return false, err
	}

	if nodeID == r.nodeID && WorkerFor(key, r.workerIDs) == r.workerID {
		return false, nil
	}

	if src, ok := r.sources.SourceWorker(inv.RequestID); ok {
		inv.SourceWorker = src
	} else {
		inv.SourceWorker = SourceWorker{NodeID: r.nodeID, WorkerID: r.workerID}
	}

	r.log.Debug().Str("key", key).Str("target_node", nodeID).Msg("redirecting invocation")
	r.metrics.redirected()

	if r.cluster.SendToNode(nodeID, "", CmdInvokeEntityFunc, inv) == SendOK {
		return true, nil
	}

	// The recorded owner is gone. Drop the stale record, pick again and try
	// exactly once more.
	r.metrics.routeRetried()
	if _, err := r.ownership.CompareAndRemove(ctx, key, nodeID); err != nil {
		return true, fmt.Errorf("drop stale owner of %s: %w", key, err)
	}
	retryNode, err := r.owner(ctx, key)
	if err != nil {
		return true, err
	}
	if r.cluster.SendToNode(retryNode, "", CmdInvokeEntityFunc, inv) != SendOK {
		r.log.Warn().Str("key", key).Str("target_node", retryNode).
			Msg("owner not found after re-resolving, invocation dropped")
	}
	return true, nil
}

// owner returns the recorded owner of key, claiming a random live node when
// there is none. A node that won a concurrent claim is adopted.
func (r *EntityRouter) owner(ctx context.Context, key string) (string, error) {
	nodeID, found, err := r.ownership.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("look up owner of %s: %w", key, err)
	}
	if found {
		return nodeID, nil
	}

	nodes := r.cluster.AllNodeIDs()
	if len(nodes) == 0 {
		return "", ErrNoNodes
	}
	candidate := nodes[r.pick(len(nodes))]

	existing, loaded, err := r.ownership.PutIfAbsent(ctx, key, candidate)
	if err != nil {
		return "", fmt.Errorf("claim owner of %s: %w", key, err)
	}
	if loaded {
		return existing, nil
	}
	return candidate, nil
}

// ReleaseEntityMapping removes the ownership record of an entity.
func (r *EntityRouter) ReleaseEntityMapping(ctx context.Context, appID, entityType, entityID string) error {
	key := FullKey(appID, entityType, entityID)
	if err := r.ownership.Remove(ctx, key); err != nil {
		return fmt.Errorf("release owner of %s: %w", key, err)
	}
	return nil
}
