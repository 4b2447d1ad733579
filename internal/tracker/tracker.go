package tracker

import (
	"path"
	"strings"
	"sync"

	"github.com/eisen-labs/eisen-core/internal/wire"
)

// Heat decays geometrically while a node is out of context; a node at
// or below the prune threshold is removed outright.
const (
	decayFactor    = 0.95
	pruneThreshold = 0.01
	// turnGapThreshold is the turn gap beyond which an untouched node
	// leaves the context window. A gap of exactly 3 keeps in-context
	// true; 4 does not.
	turnGapThreshold = 3
	// compactionDropRatio is the drop in reported usage treated as a
	// context compaction. A drop of exactly 50% does not qualify.
	compactionDropRatio = 0.5
)

// defaultIgnoredDirs are the version-control and build-output roots
// dropped during path normalisation. Overridable via Options.
var defaultIgnoredDirs = []string{".git", "node_modules", "dist", "build", "target", ".next", "vendor"}

// Observation and UsageSignal are the extractor's output shapes; the
// tracker consumes them directly without a conversion step.
type Observation = wire.Observation
type UsageSignal = wire.UsageSignal

// Options configures a Tracker beyond the mandatory workspace root.
type Options struct {
	// IgnoredDirs overrides defaultIgnoredDirs when non-nil.
	IgnoredDirs []string
	// OnActivity, if set, is called after every accepted observation,
	// outside the tracker's lock. The tick driver uses it to drop back
	// to its fast cadence.
	OnActivity func()
}

// Tracker holds one session's FileNode table. All mutation happens
// under mu with a narrow critical section; no I/O is performed while
// the lock is held.
type Tracker struct {
	key  wire.SessionKey
	mode wire.SessionMode
	root string

	ignoredDirs []string
	onActivity  func()

	mu    sync.Mutex
	nodes map[string]wire.FileNode
	dirty map[string]struct{}
	turn  int
	seq   uint64

	lastUsed     int64
	lastSize     int64
	lastCost     *wire.Cost
	haveLastUsed bool
	pendingUsage *wire.Usage
}

// New creates a Tracker for key, rooted at workspaceRoot.
func New(key wire.SessionKey, mode wire.SessionMode, workspaceRoot string, opts Options) *Tracker {
	ignored := defaultIgnoredDirs
	if opts.IgnoredDirs != nil {
		ignored = opts.IgnoredDirs
	}
	return &Tracker{
		key:         key,
		mode:        mode,
		root:        workspaceRoot,
		ignoredDirs: ignored,
		onActivity:  opts.OnActivity,
		nodes:       make(map[string]wire.FileNode),
		dirty:       make(map[string]struct{}),
	}
}

// Key returns the tracker's session identity.
func (t *Tracker) Key() wire.SessionKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key
}

// Mode returns the tracker's session mode.
func (t *Tracker) Mode() wire.SessionMode { return t.mode }

// Turn returns the session's current turn counter.
func (t *Tracker) Turn() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turn
}

// SetSessionID rebinds the tracker to a session id learned after
// startup, when the agent allocates its own id in a session-creation
// response. Already-emitted messages keep the old id; everything from
// the next emission on carries the new one.
func (t *Tracker) SetSessionID(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.key.SessionID = sessionID
}

// nextSeq allocates the next outbound sequence number. Must be called
// with mu held. Sequence numbers start at 0 and increase by exactly 1
// for every message actually emitted, snapshot or delta.
func (t *Tracker) nextSeq() uint64 {
	s := t.seq
	t.seq++
	return s
}

// isIgnored reports whether path falls under one of the tracker's
// ignored root directories.
func (t *Tracker) isIgnored(p string) bool {
	p = strings.TrimPrefix(path.Clean(p), "/")
	first, _, _ := strings.Cut(p, "/")
	for _, dir := range t.ignoredDirs {
		if first == dir {
			return true
		}
	}
	return false
}

// isWorkspaceRelative rejects absolute paths and paths that escape the
// workspace root via "..".
func isWorkspaceRelative(p string) bool {
	if p == "" || path.IsAbs(p) {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// Observe marks a path hot and in-context, records the action, and
// stamps the session's current turn. Paths outside the workspace root
// or under an ignored directory are silently dropped.
func (t *Tracker) Observe(obs Observation) {
	if !isWorkspaceRelative(obs.Path) || t.isIgnored(obs.Path) {
		return
	}

	t.mu.Lock()

	node, exists := t.nodes[obs.Path]
	if !exists {
		node = wire.FileNode{Path: obs.Path}
	}

	node.Heat = 1.0
	node.InContext = true
	node.TurnAccessed = t.turn

	switch {
	case !exists || obs.TimestampMS > node.TimestampMS:
		node.LastAction = obs.Action
		node.TimestampMS = obs.TimestampMS
	case obs.TimestampMS == node.TimestampMS:
		if obs.Action.Wins(node.LastAction) {
			node.LastAction = obs.Action
		}
	default:
		// Older timestamp: heat/in-context/turn-accessed already
		// updated above; last-action and timestamp stay as stored.
	}

	t.nodes[obs.Path] = node
	t.dirty[obs.Path] = struct{}{}
	t.mu.Unlock()

	if t.onActivity != nil {
		t.onActivity()
	}
}

// Tick decays every node not currently in-context, pruning those that
// cross the threshold.
func (t *Tracker) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p, node := range t.nodes {
		if node.InContext || node.Heat <= pruneThreshold {
			continue
		}
		node.Heat *= decayFactor
		if node.Heat <= pruneThreshold {
			delete(t.nodes, p)
		} else {
			t.nodes[p] = node
		}
		t.dirty[p] = struct{}{}
	}
}

// EndTurn advances the turn counter and drops nodes untouched for more
// than turnGapThreshold turns out of the context window.
func (t *Tracker) EndTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.turn++
	for p, node := range t.nodes {
		if !node.InContext {
			continue
		}
		if t.turn-node.TurnAccessed > turnGapThreshold {
			node.InContext = false
			t.nodes[p] = node
			t.dirty[p] = struct{}{}
		}
	}
}

// ApplyUsage records a usage signal and queues it for the next drain.
// A drop in used of more than half versus the last observed value is
// read as the model compacting its context: every node falls out of
// context, but heat is untouched, so files stay visible until decay
// prunes them.
func (t *Tracker) ApplyUsage(u UsageSignal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.haveLastUsed && t.lastUsed > 0 && float64(u.Used) < float64(t.lastUsed)*(1-compactionDropRatio) {
		for p, node := range t.nodes {
			if !node.InContext {
				continue
			}
			node.InContext = false
			t.nodes[p] = node
			t.dirty[p] = struct{}{}
		}
	}

	t.lastUsed = u.Used
	t.lastSize = u.Size
	t.lastCost = u.Cost
	t.haveLastUsed = true

	usage := wire.Usage{
		Type:        wire.TypeUsage,
		AgentID:     t.key.AgentID,
		SessionID:   t.key.SessionID,
		SessionMode: t.mode,
		Used:        u.Used,
		Size:        u.Size,
		Cost:        u.Cost,
	}
	t.pendingUsage = &usage
}

// DrainUsage returns and clears the pending usage update, if any.
func (t *Tracker) DrainUsage() (wire.Usage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pendingUsage == nil {
		return wire.Usage{}, false
	}
	u := *t.pendingUsage
	t.pendingUsage = nil
	return u, true
}

// Snapshot returns a full-state message with a freshly allocated
// sequence number.
func (t *Tracker) Snapshot() wire.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes := make(map[string]wire.FileNode, len(t.nodes))
	for p, n := range t.nodes {
		nodes[p] = n.Clone()
	}
	return wire.NewSnapshot(t.key, t.mode, t.nextSeq(), nodes)
}

// Delta builds an incremental diff from the dirty set and clears it.
// The second return value is false if there is nothing to emit.
func (t *Tracker) Delta() (wire.Delta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.dirty) == 0 {
		return wire.Delta{}, false
	}

	delta := wire.Delta{
		Type:        wire.TypeDelta,
		AgentID:     t.key.AgentID,
		SessionID:   t.key.SessionID,
		SessionMode: t.mode,
	}
	for p := range t.dirty {
		if node, ok := t.nodes[p]; ok {
			delta.Updates = append(delta.Updates, node.Clone())
		} else {
			delta.Removed = append(delta.Removed, p)
		}
	}
	t.dirty = make(map[string]struct{})

	if delta.IsEmpty() {
		return wire.Delta{}, false
	}
	delta.Seq = t.nextSeq()
	return delta, true
}

// Nodes returns a defensive copy of the current FileNode table, used
// by the orchestrator merge.
func (t *Tracker) Nodes() map[string]wire.FileNode {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]wire.FileNode, len(t.nodes))
	for p, n := range t.nodes {
		out[p] = n.Clone()
	}
	return out
}

// LastUsage returns the most recent usage signal, whether or not it
// has been drained. The orchestrator sums these across providers.
func (t *Tracker) LastUsage() (wire.UsageSignal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.haveLastUsed {
		return wire.UsageSignal{}, false
	}
	return wire.UsageSignal{Used: t.lastUsed, Size: t.lastSize, Cost: t.lastCost}, true
}

// Dirty reports whether any path changed since the last delta. The
// tick driver uses it to choose between its fast and idle cadence.
func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty) > 0
}
