package ensemble

import (
	"encoding/json"
	"fmt"
)

// Cluster command codes carried in Envelope.Cmd.
const (
	CmdInvokeEntityFunc = "ef"
	CmdSendResponse     = "sr"
	CmdShutdownApp      = "sa"
)

// SendResult is the outcome of a targeted send.
type SendResult int

const (
	SendOK SendResult = iota
	// SendNotFound means the target node is not a live cluster member.
	SendNotFound
)

func (r SendResult) String() string {
	if r == SendOK {
		return "ok"
	}
	return "notFound"
}

// ClusterTransport is what a worker uses to reach the rest of the cluster.
type ClusterTransport interface {
	// SendToNode delivers cmd to nodeID. An empty workerID lets the target
	// node pick the worker itself.
	SendToNode(nodeID, workerID, cmd string, msg any) SendResult
	// Broadcast delivers cmd to every other worker in the cluster.
	Broadcast(cmd string, msg any)
	AllNodeIDs() []string
}

// Envelope is the wire form of a cluster message. Msg stays encoded until
// the receiving worker decodes it, so no state is ever shared by reference
// between workers.
type Envelope struct {
	Cmd            string          `json:"cmd"`
	Msg            json.RawMessage `json:"msg"`
	Broadcast      bool            `json:"broadcast,omitempty"`
	TargetNodeID   string          `json:"targetNodeId,omitempty"`
	TargetWorkerID string          `json:"targetWorkerId,omitempty"`
}

func newEnvelope(cmd string, msg any) (Envelope, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s message: %w", cmd, err)
	}
	return Envelope{Cmd: cmd, Msg: raw}, nil
}

// clonePayload returns the payload as another node would decode it.
func clonePayload(p Payload) (Payload, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out Payload
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// SourceWorker names the node and worker an invocation originated on.
type SourceWorker struct {
	NodeID   string `json:"nodeId"`
	WorkerID string `json:"workerId"`
}

// InvokeEntityFunc asks the owner of an entity to run one of its functions.
type InvokeEntityFunc struct {
	AppID          string       `json:"appId"`
	RequestID      string       `json:"requestId,omitempty"`
	OriginClientID string       `json:"originClientId,omitempty"`
	OriginUserID   string       `json:"originUserId,omitempty"`
	Func           string       `json:"func"`
	EntityType     string       `json:"entityType"`
	EntityID       string       `json:"entityId"`
	Payload        Payload      `json:"payload,omitempty"`
	SourceWorker   SourceWorker `json:"sourceWorker"`
}

// Key returns the full key of the addressed entity.
func (m InvokeEntityFunc) Key() string {
	return FullKey(m.AppID, m.EntityType, m.EntityID)
}

// TransportMeta carries hints for the client-facing transport, such as an
// HTTP status code.
type TransportMeta struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SendResponse carries a response back to the worker holding the client
// connection.
type SendResponse struct {
	RequestID     string         `json:"requestId"`
	Payload       Payload        `json:"payload"`
	TransportMeta *TransportMeta `json:"transportMeta,omitempty"`
}

// ShutdownApp tells workers to tear down their runtime for an app.
type ShutdownApp struct {
	ID string `json:"id"`
}

// Membership reports which nodes are currently part of the cluster.
type Membership interface {
	NodeIDs() []string
	IsMember(nodeID string) bool
}

// NodeLink carries envelopes between nodes.
type NodeLink interface {
	Send(nodeID string, env Envelope) error
}
