package wire

// MaxTurnHistory bounds SessionRegistryEntry.History; the oldest
// summaries are evicted first.
const MaxTurnHistory = 50

// TurnSummary is one entry of a session's bounded turn history.
type TurnSummary struct {
	Turn        int    `json:"turn"`
	Summary     string `json:"summary"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// ModelRef identifies the active model for a session, free-form beyond
// a provider/name pair since the core never calls an LLM itself and
// only carries this for display.
type ModelRef struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

// SessionRegistryEntry is the persistent record for one session.
type SessionRegistryEntry struct {
	AgentID     string        `json:"agent_id"`
	SessionID   string        `json:"session_id"`
	Mode        SessionMode   `json:"mode"`
	Model       *ModelRef     `json:"model,omitempty"`
	History     []TurnSummary `json:"history"`
	Context     []string      `json:"context"`
	Providers   []SessionKey  `json:"providers,omitempty"`
	CreatedAtMS int64         `json:"created_at_ms"`
	UpdatedAtMS int64         `json:"updated_at_ms"`
}

// Key returns the entry's SessionKey.
func (e SessionRegistryEntry) Key() SessionKey {
	return SessionKey{AgentID: e.AgentID, SessionID: e.SessionID}
}

// AppendHistory appends a turn summary, evicting the oldest entry once
// MaxTurnHistory is exceeded.
func (e *SessionRegistryEntry) AppendHistory(summary TurnSummary) {
	e.History = append(e.History, summary)
	if len(e.History) > MaxTurnHistory {
		e.History = e.History[len(e.History)-MaxTurnHistory:]
	}
}

// RegistryDocument is the on-disk shape of the whole registry file,
// core_sessions.json under the user data directory.
type RegistryDocument struct {
	Active   *SessionKey            `json:"active"`
	Sessions []SessionRegistryEntry `json:"sessions"`
}
