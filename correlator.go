package ensemble

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LocalConn is a client connection held by this worker that is waiting for
// a response.
type LocalConn interface {
	Deliver(payload Payload, meta *TransportMeta)
}

// Responder sends a response for a request id, wherever the client is.
type Responder interface {
	Send(requestID string, payload Payload, meta *TransportMeta)
}

// CorrelatorConfig sizes the two pending-request tables.
type CorrelatorConfig struct {
	TTL             time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// ResponseCorrelator remembers where each in-flight request came from: a
// connection held by this worker, or another worker that will relay the
// response. Both records expire after the TTL; a response arriving later is
// dropped.
type ResponseCorrelator struct {
	local         *Cache[LocalConn]
	remote        *Cache[SourceWorker]
	localSweeper  *CacheSweeper
	remoteSweeper *CacheSweeper
	cluster       ClusterTransport
	metrics       *Metrics
	log           zerolog.Logger
}

func NewResponseCorrelator(cfg CorrelatorConfig, sched Scheduler, cluster ClusterTransport, metrics *Metrics, log zerolog.Logger) (*ResponseCorrelator, error) {
	local, err := NewCache[LocalConn](cfg.TTL, cfg.MaxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("local request table: %w", err)
	}
	remote, err := NewCache[SourceWorker](cfg.TTL, cfg.MaxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("remote request table: %w", err)
	}
	rc := &ResponseCorrelator{
		local:         local,
		remote:        remote,
		localSweeper:  NewCacheSweeper(local, sched, cfg.CleanupInterval),
		remoteSweeper: NewCacheSweeper(remote, sched, cfg.CleanupInterval),
		cluster:       cluster,
		metrics:       metrics,
		log:           log.With().Str("component", "correlator").Logger(),
	}
	rc.localSweeper.Start()
	rc.remoteSweeper.Start()
	return rc, nil
}

func (rc *ResponseCorrelator) RegisterLocalRequest(requestID string, conn LocalConn) {
	rc.local.Put(requestID, conn)
}

func (rc *ResponseCorrelator) RegisterRemoteRequest(requestID string, source SourceWorker) {
	rc.remote.Put(requestID, source)
}

// ForgetLocalRequest drops a local registration, e.g. when the caller gave
// up waiting.
func (rc *ResponseCorrelator) ForgetLocalRequest(requestID string) {
	rc.local.Remove(requestID)
}

// SourceWorker returns the remote origin recorded for requestID.
func (rc *ResponseCorrelator) SourceWorker(requestID string) (SourceWorker, bool) {
	if requestID == "" {
		return SourceWorker{}, false
	}
	return rc.remote.Get(requestID)
}

// Send delivers a response at most once per process: to the local
// connection if one is registered, otherwise relayed to the recorded origin
// worker.
func (rc *ResponseCorrelator) Send(requestID string, payload Payload, meta *TransportMeta) {
	if conn, ok := rc.local.Remove(requestID); ok {
		// Callers get a detached copy, shaped exactly as a relayed response.
		clone, err := clonePayload(payload)
		if err != nil {
			rc.log.Error().Err(err).Str("request_id", requestID).Msg("response payload not encodable")
			clone = Payload{"status": "internalError", "msg": err.Error()}
			meta = &TransportMeta{Status: 500}
		}
		conn.Deliver(clone, meta)
		rc.metrics.responseDelivered("local")
		return
	}

	if src, ok := rc.remote.Remove(requestID); ok {
		msg := SendResponse{RequestID: requestID, Payload: payload, TransportMeta: meta}
		if res := rc.cluster.SendToNode(src.NodeID, src.WorkerID, CmdSendResponse, msg); res != SendOK {
			rc.log.Warn().Str("request_id", requestID).Str("node", src.NodeID).
				Msg("origin node gone, response dropped")
			rc.metrics.responseDelivered("dropped")
			return
		}
		rc.metrics.responseDelivered("remote")
		return
	}

	rc.log.Warn().Str("request_id", requestID).Msg("no pending request for response")
	rc.metrics.responseDelivered("dropped")
}

// Pending returns the sizes of the local and remote tables.
func (rc *ResponseCorrelator) Pending() (local, remote int) {
	return rc.local.Len(), rc.remote.Len()
}

func (rc *ResponseCorrelator) Shutdown() {
	rc.localSweeper.Shutdown()
	rc.remoteSweeper.Shutdown()
}
