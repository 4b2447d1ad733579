package orchestrator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/eisen-labs/eisen-core/internal/wire"
)

// fakeProvider is an in-memory Provider.
type fakeProvider struct {
	key   wire.SessionKey
	nodes map[string]wire.FileNode
	usage *wire.UsageSignal
}

func (f *fakeProvider) Key() wire.SessionKey            { return f.key }
func (f *fakeProvider) Nodes() map[string]wire.FileNode { return f.nodes }
func (f *fakeProvider) LastUsage() (wire.UsageSignal, bool) {
	if f.usage == nil {
		return wire.UsageSignal{}, false
	}
	return *f.usage, true
}

func orchestratorOver(providers ...*fakeProvider) *Orchestrator {
	return New(wire.SessionKey{AgentID: "orch", SessionID: "o1"}, func() []Provider {
		out := make([]Provider, len(providers))
		for i, p := range providers {
			out[i] = p
		}
		return out
	})
}

func node(path string, heat float64, inCtx bool, action wire.Action, turn int, ts int64) wire.FileNode {
	return wire.FileNode{Path: path, Heat: heat, InContext: inCtx, LastAction: action, TurnAccessed: turn, TimestampMS: ts}
}

func TestMergeRules(t *testing.T) {
	a := &fakeProvider{
		key:   wire.SessionKey{AgentID: "a", SessionID: "sa"},
		nodes: map[string]wire.FileNode{"lib.rs": node("lib.rs", 0.8, true, wire.ActionRead, 3, 100)},
	}
	b := &fakeProvider{
		key:   wire.SessionKey{AgentID: "b", SessionID: "sb"},
		nodes: map[string]wire.FileNode{"lib.rs": node("lib.rs", 0.4, false, wire.ActionWrite, 5, 99)},
	}

	o := orchestratorOver(a, b)
	delta, ok := o.Tick()
	require.True(t, ok)
	require.Len(t, delta.Updates, 1)

	want := node("lib.rs", 0.8, true, wire.ActionRead, 5, 100)
	if diff := cmp.Diff(want, delta.Updates[0]); diff != "" {
		t.Fatalf("merged node mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeTimestampTieUsesPriority(t *testing.T) {
	a := &fakeProvider{nodes: map[string]wire.FileNode{"lib.rs": node("lib.rs", 0.8, true, wire.ActionRead, 3, 100)}}
	b := &fakeProvider{nodes: map[string]wire.FileNode{"lib.rs": node("lib.rs", 0.4, false, wire.ActionWrite, 5, 100)}}

	o := orchestratorOver(a, b)
	delta, ok := o.Tick()
	require.True(t, ok)
	require.Equal(t, wire.ActionWrite, delta.Updates[0].LastAction)
}

func TestMergeIsOrderIndependent(t *testing.T) {
	a := &fakeProvider{nodes: map[string]wire.FileNode{
		"x.go": node("x.go", 0.3, false, wire.ActionSearch, 1, 50),
		"y.go": node("y.go", 1.0, true, wire.ActionWrite, 4, 90),
	}}
	b := &fakeProvider{nodes: map[string]wire.FileNode{
		"x.go": node("x.go", 0.9, true, wire.ActionRead, 2, 60),
	}}

	ab, ok := orchestratorOver(a, b).Tick()
	require.True(t, ok)
	ba, ok := orchestratorOver(b, a).Tick()
	require.True(t, ok)

	if diff := cmp.Diff(ab.Updates, ba.Updates); diff != "" {
		t.Fatalf("merge depends on provider order (-ab +ba):\n%s", diff)
	}
}

func TestTickEmitsNothingWhenUnchanged(t *testing.T) {
	a := &fakeProvider{nodes: map[string]wire.FileNode{"x.go": node("x.go", 0.5, true, wire.ActionRead, 1, 10)}}
	o := orchestratorOver(a)

	_, ok := o.Tick()
	require.True(t, ok)
	_, ok = o.Tick()
	require.False(t, ok)
}

func TestTickEmitsRemovalsForVanishedProvider(t *testing.T) {
	a := &fakeProvider{nodes: map[string]wire.FileNode{"x.go": node("x.go", 0.5, true, wire.ActionRead, 1, 10)}}
	providers := []*fakeProvider{a}
	o := New(wire.SessionKey{AgentID: "orch", SessionID: "o1"}, func() []Provider {
		out := make([]Provider, len(providers))
		for i, p := range providers {
			out[i] = p
		}
		return out
	})

	_, ok := o.Tick()
	require.True(t, ok)

	providers = nil
	delta, ok := o.Tick()
	require.True(t, ok)
	require.Empty(t, delta.Updates)
	require.Equal(t, []string{"x.go"}, delta.Removed)
}

func TestSequenceNumbersAreOwnedAndContiguous(t *testing.T) {
	a := &fakeProvider{nodes: map[string]wire.FileNode{"x.go": node("x.go", 0.5, true, wire.ActionRead, 1, 10)}}
	o := orchestratorOver(a)

	d1, ok := o.Tick()
	require.True(t, ok)
	require.Equal(t, uint64(0), d1.Seq)

	a.nodes["y.go"] = node("y.go", 1.0, true, wire.ActionWrite, 2, 20)
	d2, ok := o.Tick()
	require.True(t, ok)
	require.Equal(t, uint64(1), d2.Seq)

	snap := o.Snapshot()
	require.Equal(t, uint64(2), snap.Seq)
	require.Equal(t, wire.ModeOrchestrator, snap.SessionMode)
}

func TestUsageAggregation(t *testing.T) {
	a := &fakeProvider{usage: &wire.UsageSignal{Used: 100, Size: 200, Cost: &wire.Cost{Amount: 1.5, Currency: "USD"}}}
	b := &fakeProvider{usage: &wire.UsageSignal{Used: 50, Size: 100, Cost: &wire.Cost{Amount: 0.5, Currency: "USD"}}}

	o := orchestratorOver(a, b)
	usage, ok := o.Usage()
	require.True(t, ok)
	require.Equal(t, int64(150), usage.Used)
	require.Equal(t, int64(300), usage.Size)
	require.Equal(t, &wire.Cost{Amount: 2.0, Currency: "USD"}, usage.Cost)
}

func TestUsageCostOmittedOnMixedCurrencies(t *testing.T) {
	a := &fakeProvider{usage: &wire.UsageSignal{Used: 100, Size: 200, Cost: &wire.Cost{Amount: 1.5, Currency: "USD"}}}
	b := &fakeProvider{usage: &wire.UsageSignal{Used: 50, Size: 100, Cost: &wire.Cost{Amount: 40, Currency: "JPY"}}}

	usage, ok := orchestratorOver(a, b).Usage()
	require.True(t, ok)
	require.Nil(t, usage.Cost)
}

func TestUsageNotReemittedWhenUnchanged(t *testing.T) {
	a := &fakeProvider{usage: &wire.UsageSignal{Used: 100, Size: 200}}
	o := orchestratorOver(a)

	_, ok := o.Usage()
	require.True(t, ok)
	_, ok = o.Usage()
	require.False(t, ok)

	a.usage.Used = 120
	usage, ok := o.Usage()
	require.True(t, ok)
	require.Equal(t, int64(120), usage.Used)
}

func TestUsageFalseWithNoReports(t *testing.T) {
	a := &fakeProvider{}
	_, ok := orchestratorOver(a).Usage()
	require.False(t, ok)
}
