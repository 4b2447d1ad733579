package orchestrator

import (
	"sort"
	"sync"

	"github.com/eisen-labs/eisen-core/internal/wire"
)

// Provider is the read-only view the orchestrator needs from a
// single-agent tracker. The orchestrator never mutates a provider; it
// asks for a copy of its node table on every tick, which keeps the
// ownership graph acyclic.
type Provider interface {
	Key() wire.SessionKey
	Nodes() map[string]wire.FileNode
	LastUsage() (wire.UsageSignal, bool)
}

// Lookup resolves the current provider set. It is called on every tick
// so a provider closed between ticks simply stops appearing, and its
// contributions vanish from the next merged view.
type Lookup func() []Provider

// Orchestrator derives a merged FileNode map from a set of provider
// sessions and emits it on the wire with the same types and sequencing
// discipline as a directly observed session.
type Orchestrator struct {
	key    wire.SessionKey
	lookup Lookup

	mu        sync.Mutex
	shadow    map[string]wire.FileNode
	seq       uint64
	lastUsage *wire.Usage
}

// New creates an Orchestrator for key whose providers are resolved
// through lookup.
func New(key wire.SessionKey, lookup Lookup) *Orchestrator {
	return &Orchestrator{
		key:    key,
		lookup: lookup,
		shadow: make(map[string]wire.FileNode),
	}
}

// Key returns the orchestrator's session identity.
func (o *Orchestrator) Key() wire.SessionKey { return o.key }

// SetLookup swaps the provider resolution, used when the provider list
// of the session is rewritten over RPC.
func (o *Orchestrator) SetLookup(lookup Lookup) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lookup = lookup
}

// mergeNode folds one provider's node into the accumulated merged
// node. The fold is commutative: max heat, OR of in-context, max
// turn-accessed, and last-action from the strictly newest timestamp
// with ties broken by action priority (then by action name where
// priorities are equal), so provider order never affects the result.
func mergeNode(acc wire.FileNode, in wire.FileNode) wire.FileNode {
	if in.Heat > acc.Heat {
		acc.Heat = in.Heat
	}
	acc.InContext = acc.InContext || in.InContext
	if in.TurnAccessed > acc.TurnAccessed {
		acc.TurnAccessed = in.TurnAccessed
	}
	switch {
	case in.TimestampMS > acc.TimestampMS:
		acc.TimestampMS = in.TimestampMS
		acc.LastAction = in.LastAction
	case in.TimestampMS == acc.TimestampMS && in.LastAction.Wins(acc.LastAction):
		acc.LastAction = in.LastAction
	case in.TimestampMS == acc.TimestampMS && !acc.LastAction.Wins(in.LastAction) && in.LastAction > acc.LastAction:
		acc.LastAction = in.LastAction
	}
	return acc
}

// merged recomputes the full merged view from the current providers.
func (o *Orchestrator) merged(providers []Provider) map[string]wire.FileNode {
	out := make(map[string]wire.FileNode)
	for _, p := range providers {
		for path, node := range p.Nodes() {
			acc, ok := out[path]
			if !ok {
				out[path] = node
				continue
			}
			out[path] = mergeNode(acc, node)
		}
	}
	return out
}

// Tick recomputes the merged view, diffs it against the shadow copy
// from the previous tick, and returns a delta for the changed and
// vanished paths. The second return value is false when nothing
// changed. The sequence number is the orchestrator's own, never
// borrowed from a provider.
func (o *Orchestrator) Tick() (wire.Delta, bool) {
	providers := o.currentProviders()

	o.mu.Lock()
	defer o.mu.Unlock()

	current := o.merged(providers)

	delta := wire.Delta{
		Type:        wire.TypeDelta,
		AgentID:     o.key.AgentID,
		SessionID:   o.key.SessionID,
		SessionMode: wire.ModeOrchestrator,
	}
	for path, node := range current {
		if prev, ok := o.shadow[path]; !ok || prev != node {
			delta.Updates = append(delta.Updates, node)
		}
	}
	for path := range o.shadow {
		if _, ok := current[path]; !ok {
			delta.Removed = append(delta.Removed, path)
		}
	}
	o.shadow = current

	if delta.IsEmpty() {
		return wire.Delta{}, false
	}
	sort.Slice(delta.Updates, func(i, j int) bool { return delta.Updates[i].Path < delta.Updates[j].Path })
	sort.Strings(delta.Removed)
	delta.Seq = o.seq
	o.seq++
	return delta, true
}

// Snapshot returns the current merged view as a full-state message
// with a freshly allocated sequence number. It recomputes from
// providers rather than reading the shadow so an on-connect snapshot
// is never staler than the last tick.
func (o *Orchestrator) Snapshot() wire.Snapshot {
	providers := o.currentProviders()

	o.mu.Lock()
	defer o.mu.Unlock()

	nodes := o.merged(providers)
	seq := o.seq
	o.seq++
	return wire.NewSnapshot(o.key, wire.ModeOrchestrator, seq, nodes)
}

// Nodes returns the current merged view without allocating a sequence
// number, for read-only callers outside the stream.
func (o *Orchestrator) Nodes() map[string]wire.FileNode {
	providers := o.currentProviders()

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.merged(providers)
}

// Usage aggregates provider usage: used and size sum across providers;
// cost sums only when every reporting provider shares one currency and
// is omitted otherwise. The second return value is false when no
// provider has reported usage yet or nothing changed since the last
// emission, so an idle tick stays silent.
func (o *Orchestrator) Usage() (wire.Usage, bool) {
	providers := o.currentProviders()

	var used, size int64
	var costAmount float64
	currency := ""
	costOK := true
	any := false

	for _, p := range providers {
		u, ok := p.LastUsage()
		if !ok {
			continue
		}
		any = true
		used += u.Used
		size += u.Size
		switch {
		case u.Cost == nil:
			costOK = false
		case currency == "":
			currency = u.Cost.Currency
			costAmount += u.Cost.Amount
		case currency == u.Cost.Currency:
			costAmount += u.Cost.Amount
		default:
			costOK = false
		}
	}
	if !any {
		return wire.Usage{}, false
	}

	usage := wire.Usage{
		Type:        wire.TypeUsage,
		AgentID:     o.key.AgentID,
		SessionID:   o.key.SessionID,
		SessionMode: wire.ModeOrchestrator,
		Used:        used,
		Size:        size,
	}
	if costOK && currency != "" {
		usage.Cost = &wire.Cost{Amount: costAmount, Currency: currency}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastUsage != nil && sameUsage(*o.lastUsage, usage) {
		return wire.Usage{}, false
	}
	o.lastUsage = &usage
	return usage, true
}

func sameUsage(a, b wire.Usage) bool {
	if a.Used != b.Used || a.Size != b.Size {
		return false
	}
	if (a.Cost == nil) != (b.Cost == nil) {
		return false
	}
	return a.Cost == nil || *a.Cost == *b.Cost
}

func (o *Orchestrator) currentProviders() []Provider {
	o.mu.Lock()
	lookup := o.lookup
	o.mu.Unlock()
	if lookup == nil {
		return nil
	}
	return lookup()
}
