package session

import (
	"sync"
	"time"

	"github.com/eisen-labs/eisen-core/internal/logging"
	"github.com/eisen-labs/eisen-core/internal/orchestrator"
	"github.com/eisen-labs/eisen-core/internal/registry"
	"github.com/eisen-labs/eisen-core/internal/tracker"
	"github.com/eisen-labs/eisen-core/internal/wire"
)

// Hub owns the live per-session state: one tracker per single-agent
// session and one orchestrator per orchestrator session, keyed by
// session identity. The registry is the persistent counterpart; the
// hub keeps the live side consistent with it as RPCs mutate entries.
type Hub struct {
	reg  *registry.Registry
	root string

	ignoredDirs []string
	onActivity  func()

	mu       sync.Mutex
	trackers map[wire.SessionKey]*tracker.Tracker
	orchs    map[wire.SessionKey]*orchestrator.Orchestrator
}

// Options configures a Hub.
type Options struct {
	// IgnoredDirs is handed through to each tracker.
	IgnoredDirs []string
}

// NewHub creates a Hub over reg, rooted at workspaceRoot.
func NewHub(reg *registry.Registry, workspaceRoot string, opts Options) *Hub {
	return &Hub{
		reg:         reg,
		root:        workspaceRoot,
		ignoredDirs: opts.IgnoredDirs,
		trackers:    make(map[wire.SessionKey]*tracker.Tracker),
		orchs:       make(map[wire.SessionKey]*orchestrator.Orchestrator),
	}
}

// SetOnActivity installs the callback every tracker fires on an
// accepted observation. Must be called before the first tracker is
// created.
func (h *Hub) SetOnActivity(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onActivity = fn
}

// Registry exposes the persistent side for callers that need direct
// access (the observe command registers its own session at startup).
func (h *Hub) Registry() *registry.Registry { return h.reg }

// EnsureTracker returns the tracker for key, creating it if absent.
func (h *Hub) EnsureTracker(key wire.SessionKey) *tracker.Tracker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ensureTrackerLocked(key)
}

func (h *Hub) ensureTrackerLocked(key wire.SessionKey) *tracker.Tracker {
	if t, ok := h.trackers[key]; ok {
		return t
	}
	t := tracker.New(key, wire.ModeSingleAgent, h.root, tracker.Options{
		IgnoredDirs: h.ignoredDirs,
		OnActivity:  h.onActivity,
	})
	h.trackers[key] = t
	return t
}

// AdoptSessionID rekeys a tracker after the agent allocates its own
// session id in a session-creation response. In the registry, a new
// entry is created under the new key with the old entry's mode (its
// history, context and model are not copied), the old entry is closed,
// and the new key is made active.
func (h *Hub) AdoptSessionID(old wire.SessionKey, sessionID string) wire.SessionKey {
	newKey := wire.SessionKey{AgentID: old.AgentID, SessionID: sessionID}
	if newKey == old {
		return old
	}

	h.mu.Lock()
	if t, ok := h.trackers[old]; ok {
		t.SetSessionID(sessionID)
		delete(h.trackers, old)
		h.trackers[newKey] = t
	}
	h.mu.Unlock()

	if entry, err := h.reg.Get(old); err == nil {
		h.reg.Create(newKey, entry.Mode)
		h.reg.Close(old)
		h.reg.SetActive(newKey)
	}
	return newKey
}

// RecordTurn appends a turn summary to the tracker's registry entry
// once a turn completes. The summary is the prompt text that opened
// the turn, possibly empty when the prompt carried only resources.
func (h *Hub) RecordTurn(t *tracker.Tracker, summary string) {
	entry := wire.TurnSummary{
		Turn:        t.Turn(),
		Summary:     summary,
		TimestampMS: time.Now().UnixMilli(),
	}
	if _, err := h.reg.Update(t.Key(), func(e *wire.SessionRegistryEntry) {
		e.AppendHistory(entry)
	}); err != nil {
		logging.Warn().Err(err).Str("session", t.Key().String()).Msg("turn summary not recorded")
	}
}

// Remove drops the live state for key, tracker or orchestrator. A
// removed provider's contributions vanish from its orchestrators on
// the next tick.
func (h *Hub) Remove(key wire.SessionKey) {
	h.mu.Lock()
	delete(h.trackers, key)
	delete(h.orchs, key)
	h.mu.Unlock()
}

// SetProviders creates or updates the orchestrator for key, resolving
// providers through the hub on each tick so closed sessions fall out
// automatically.
func (h *Hub) SetProviders(key wire.SessionKey, providers []wire.SessionKey) *orchestrator.Orchestrator {
	keys := make([]wire.SessionKey, len(providers))
	copy(keys, providers)

	lookup := func() []orchestrator.Provider {
		h.mu.Lock()
		defer h.mu.Unlock()
		out := make([]orchestrator.Provider, 0, len(keys))
		for _, k := range keys {
			if t, ok := h.trackers[k]; ok {
				out = append(out, t)
			}
		}
		return out
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if o, ok := h.orchs[key]; ok {
		o.SetLookup(lookup)
		return o
	}
	o := orchestrator.New(key, lookup)
	h.orchs[key] = o
	return o
}

// Trackers returns the current tracker set.
func (h *Hub) Trackers() []*tracker.Tracker {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*tracker.Tracker, 0, len(h.trackers))
	for _, t := range h.trackers {
		out = append(out, t)
	}
	return out
}

// Orchestrators returns the current orchestrator set.
func (h *Hub) Orchestrators() []*orchestrator.Orchestrator {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*orchestrator.Orchestrator, 0, len(h.orchs))
	for _, o := range h.orchs {
		out = append(out, o)
	}
	return out
}

// AnyDirty reports whether any tracker has pending changes, used by
// the tick driver's cadence selection.
func (h *Hub) AnyDirty() bool {
	for _, t := range h.Trackers() {
		if t.Dirty() {
			return true
		}
	}
	return false
}

// Snapshots implements broadcast.SnapshotSource. An empty sessionID
// resolves to the registry's active session; if none is active, every
// live session is snapshotted so a fresh client starts complete.
func (h *Hub) Snapshots(sessionID string) []wire.Snapshot {
	if sessionID == "" {
		if active, ok := h.reg.Active(); ok {
			sessionID = active.SessionID
		}
	}

	h.mu.Lock()
	trackers := make([]*tracker.Tracker, 0, len(h.trackers))
	for _, t := range h.trackers {
		trackers = append(trackers, t)
	}
	orchs := make([]*orchestrator.Orchestrator, 0, len(h.orchs))
	for _, o := range h.orchs {
		orchs = append(orchs, o)
	}
	h.mu.Unlock()

	var out []wire.Snapshot
	for _, t := range trackers {
		if sessionID == "" || t.Key().SessionID == sessionID {
			out = append(out, t.Snapshot())
		}
	}
	for _, o := range orchs {
		if sessionID == "" || o.Key().SessionID == sessionID {
			out = append(out, o.Snapshot())
		}
	}
	return out
}
