package tick

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eisen-labs/eisen-core/internal/registry"
	"github.com/eisen-labs/eisen-core/internal/session"
	"github.com/eisen-labs/eisen-core/internal/wire"
)

type capturePublisher struct {
	mu       sync.Mutex
	messages []any
}

func (c *capturePublisher) Publish(_ wire.SessionKey, _ wire.SessionMode, msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *capturePublisher) all() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any{}, c.messages...)
}

func newTestHub(t *testing.T) *session.Hub {
	t.Helper()
	reg, err := registry.Load(filepath.Join(t.TempDir(), "core_sessions.json"))
	require.NoError(t, err)
	return session.NewHub(reg, "/workspace", session.Options{})
}

func TestTickEmitsUsageBeforeDeltas(t *testing.T) {
	hub := newTestHub(t)
	pub := &capturePublisher{}
	d := NewDriver(hub, pub)

	key := wire.SessionKey{AgentID: "claude", SessionID: "s1"}
	tr := hub.EnsureTracker(key)
	tr.Observe(wire.Observation{Path: "a.go", Action: wire.ActionRead, TimestampMS: 100})
	tr.ApplyUsage(wire.UsageSignal{Used: 1000, Size: 2000})

	require.True(t, d.tick())

	messages := pub.all()
	require.Len(t, messages, 2)
	_, isUsage := messages[0].(wire.Usage)
	require.True(t, isUsage, "usage drains before deltas")
	_, isDelta := messages[1].(wire.Delta)
	require.True(t, isDelta)
}

func TestTickQuietWhenNothingChanged(t *testing.T) {
	hub := newTestHub(t)
	pub := &capturePublisher{}
	d := NewDriver(hub, pub)

	key := wire.SessionKey{AgentID: "claude", SessionID: "s1"}
	tr := hub.EnsureTracker(key)
	tr.Observe(wire.Observation{Path: "a.go", Action: wire.ActionRead, TimestampMS: 100})

	require.True(t, d.tick())
	// The node is in-context, so no decay happens and nothing is dirty.
	require.False(t, d.tick())
}

func TestTickCoversOrchestrators(t *testing.T) {
	hub := newTestHub(t)
	pub := &capturePublisher{}
	d := NewDriver(hub, pub)

	provider := wire.SessionKey{AgentID: "claude", SessionID: "s1"}
	tr := hub.EnsureTracker(provider)
	tr.Observe(wire.Observation{Path: "a.go", Action: wire.ActionWrite, TimestampMS: 100})

	orchKey := wire.SessionKey{AgentID: "orch", SessionID: "o1"}
	hub.SetProviders(orchKey, []wire.SessionKey{provider})

	require.True(t, d.tick())

	var sawOrchDelta bool
	for _, msg := range pub.all() {
		if delta, ok := msg.(wire.Delta); ok && delta.SessionMode == wire.ModeOrchestrator {
			sawOrchDelta = true
			require.Equal(t, "a.go", delta.Updates[0].Path)
		}
	}
	require.True(t, sawOrchDelta)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	hub := newTestHub(t)
	pub := &capturePublisher{}
	d := NewDriver(hub, pub)
	hub.SetOnActivity(d.Kick)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	key := wire.SessionKey{AgentID: "claude", SessionID: "s1"}
	tr := hub.EnsureTracker(key)
	tr.Observe(wire.Observation{Path: "a.go", Action: wire.ActionRead, TimestampMS: 100})

	require.Eventually(t, func() bool {
		for _, msg := range pub.all() {
			if _, ok := msg.(wire.Delta); ok {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
