package wire

import "encoding/json"

// MessageType tags every object on the UI broadcast stream.
type MessageType string

const (
	TypeSnapshot        MessageType = "snapshot"
	TypeDelta           MessageType = "delta"
	TypeUsage           MessageType = "usage"
	TypeBlocked         MessageType = "blocked"
	TypeRequestSnapshot MessageType = "request_snapshot"
	TypeSetStreamFilter MessageType = "set_stream_filter"
	TypeRPC             MessageType = "rpc"
	TypeRPCResult       MessageType = "rpc_result"
	TypeRPCError        MessageType = "rpc_error"
)

// Snapshot is a full map of path to FileNode plus session identity and
// sequence metadata.
type Snapshot struct {
	Type        MessageType         `json:"type"`
	AgentID     string              `json:"agent_id"`
	SessionID   string              `json:"session_id"`
	SessionMode SessionMode         `json:"session_mode"`
	Seq         uint64              `json:"seq"`
	Nodes       map[string]FileNode `json:"nodes"`
}

// NewSnapshot builds a Snapshot message for a given session and node
// set. The caller owns nodes and must not mutate it afterward; callers
// in this module always pass a freshly built map.
func NewSnapshot(key SessionKey, mode SessionMode, seq uint64, nodes map[string]FileNode) Snapshot {
	if nodes == nil {
		nodes = map[string]FileNode{}
	}
	return Snapshot{
		Type:        TypeSnapshot,
		AgentID:     key.AgentID,
		SessionID:   key.SessionID,
		SessionMode: mode,
		Seq:         seq,
		Nodes:       nodes,
	}
}

// Delta is an incremental diff: changed nodes plus removed paths,
// carrying the next sequence number.
type Delta struct {
	Type        MessageType `json:"type"`
	AgentID     string      `json:"agent_id"`
	SessionID   string      `json:"session_id"`
	SessionMode SessionMode `json:"session_mode"`
	Seq         uint64      `json:"seq"`
	Updates     []FileNode  `json:"updates"`
	Removed     []string    `json:"removed"`
}

// IsEmpty reports whether the delta carries no changes. An empty delta
// is never emitted; a quiet tick stays silent on the wire.
func (d Delta) IsEmpty() bool {
	return len(d.Updates) == 0 && len(d.Removed) == 0
}

// Cost is the optional currency-qualified cost accompanying a usage
// update.
type Cost struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Usage reports a session's latest token usage: the absolute tokens
// used and context size from the most recent signal, plus optional cost.
type Usage struct {
	Type        MessageType `json:"type"`
	AgentID     string      `json:"agent_id"`
	SessionID   string      `json:"session_id"`
	SessionMode SessionMode `json:"session_mode"`
	Used        int64       `json:"used"`
	Size        int64       `json:"size"`
	Cost        *Cost       `json:"cost,omitempty"`
}

// Blocked is the in-band zone-denial event broadcast alongside the
// synthesized JSON-RPC error sent back to the agent.
type Blocked struct {
	Type        MessageType `json:"type"`
	AgentID     string      `json:"agent_id"`
	SessionID   string      `json:"session_id"`
	Path        string      `json:"path"`
	Action      Action      `json:"action"`
	TimestampMS int64       `json:"timestamp_ms"`
}

// RequestSnapshot is the client -> server request for a fresh
// snapshot, optionally scoped to one session.
type RequestSnapshot struct {
	Type      MessageType `json:"type"`
	SessionID *string     `json:"session_id,omitempty"`
}

// SetStreamFilter is the client -> server request narrowing which
// messages a connection subsequently receives.
type SetStreamFilter struct {
	Type        MessageType  `json:"type"`
	SessionID   *string      `json:"session_id,omitempty"`
	SessionMode *SessionMode `json:"session_mode,omitempty"`
}

// Matches reports whether a message's session id / mode pass this
// filter. A nil field in the filter matches everything.
func (f SetStreamFilter) Matches(sessionID string, mode SessionMode) bool {
	if f.SessionID != nil && *f.SessionID != sessionID {
		return false
	}
	if f.SessionMode != nil && *f.SessionMode != mode {
		return false
	}
	return true
}

// RPC is a client -> server named-method call correlated by ID.
type RPC struct {
	Type   MessageType     `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCError is the error payload of an rpc_error reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ZoneDenialCode is the fixed JSON-RPC error code for a zone denial,
// used both on the agent-facing synthesized response and on any RPC
// reply surfacing the same condition.
const ZoneDenialCode = -32001

// RPCResult is a successful rpc reply.
type RPCResult struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id"`
	Result any         `json:"result"`
}

// RPCErrorReply is a failed rpc reply.
type RPCErrorReply struct {
	Type  MessageType `json:"type"`
	ID    string      `json:"id"`
	Error RPCError    `json:"error"`
}
