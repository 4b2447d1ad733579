package wire

// SessionKey identifies one conversational thread with one agent
// instance: the pair of agent identity and session identity.
type SessionKey struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// String renders the key for logging and map-adjacent uses where a
// comparable string is more convenient than the struct itself.
func (k SessionKey) String() string {
	return k.AgentID + "/" + k.SessionID
}

// SessionMode distinguishes a directly observed session from one whose
// state is derived by merging providers.
type SessionMode string

const (
	ModeSingleAgent  SessionMode = "single_agent"
	ModeOrchestrator SessionMode = "orchestrator"
)

// Action tags what an agent did to a file. Priority, used only to
// break timestamp ties, is write > search > read;
// user_provided, user_referenced, and blocked never participate in a
// tie-break because they are never produced concurrently with another
// action on the same (session, path, timestamp) in practice, but they
// still need a defined priority so comparisons are total.
type Action string

const (
	ActionRead           Action = "read"
	ActionWrite          Action = "write"
	ActionSearch         Action = "search"
	ActionUserProvided   Action = "user_provided"
	ActionUserReferenced Action = "user_referenced"
	ActionBlocked        Action = "blocked"
)

// priority returns the tie-break rank for an action; higher wins.
// write > search > read; the remaining actions rank below read, the
// tie-breaker being defined only over {read, write, search}.
func (a Action) priority() int {
	switch a {
	case ActionWrite:
		return 3
	case ActionSearch:
		return 2
	case ActionRead:
		return 1
	default:
		return 0
	}
}

// Wins reports whether action a should replace the current last-action
// when two observations tie on timestamp. Equal priority keeps the
// existing value; a replacement must strictly outrank it.
func (a Action) Wins(current Action) bool {
	return a.priority() > current.priority()
}

// FileNode is the per-session, per-path activity state. Heat is 0 only
// for absent nodes; in-context implies heat was set to 1.0 at some turn
// no later than TurnAccessed; TimestampMS never decreases per path.
type FileNode struct {
	Path         string  `json:"path"`
	Heat         float64 `json:"heat"`
	InContext    bool    `json:"in_context"`
	LastAction   Action  `json:"last_action"`
	TurnAccessed int     `json:"turn_accessed"`
	TimestampMS  int64   `json:"timestamp_ms"`
}

// Clone returns an independent copy, used whenever a FileNode crosses
// a concurrency boundary (delta emission, orchestrator merge input) so
// a later in-place mutation of the tracker's copy can't race a reader.
func (n FileNode) Clone() FileNode {
	return n
}
