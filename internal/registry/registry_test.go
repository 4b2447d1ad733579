package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eisen-labs/eisen-core/internal/wire"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "core_sessions.json")
	r, err := Load(path)
	require.NoError(t, err)
	return r, path
}

func TestCreateGetClose(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := wire.SessionKey{AgentID: "claude", SessionID: "s1"}

	entry, err := r.Create(key, wire.ModeSingleAgent)
	require.NoError(t, err)
	require.Equal(t, key, entry.Key())
	require.NotZero(t, entry.CreatedAtMS)

	got, err := r.Get(key)
	require.NoError(t, err)
	require.Equal(t, entry.CreatedAtMS, got.CreatedAtMS)

	require.NoError(t, r.Close(key))
	_, err = r.Get(key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := wire.SessionKey{AgentID: "a", SessionID: "b"}

	first, err := r.Create(key, wire.ModeSingleAgent)
	require.NoError(t, err)
	second, err := r.Create(key, wire.ModeSingleAgent)
	require.NoError(t, err)
	require.Equal(t, first.CreatedAtMS, second.CreatedAtMS)
	require.Len(t, r.List(""), 1)
}

func TestSetActiveSingleton(t *testing.T) {
	r, _ := newTestRegistry(t)
	a := wire.SessionKey{AgentID: "a", SessionID: "1"}
	b := wire.SessionKey{AgentID: "a", SessionID: "2"}

	_, err := r.Create(a, wire.ModeSingleAgent)
	require.NoError(t, err)
	_, err = r.Create(b, wire.ModeSingleAgent)
	require.NoError(t, err)

	require.NoError(t, r.SetActive(a))
	active, ok := r.Active()
	require.True(t, ok)
	require.Equal(t, a, active)

	require.NoError(t, r.SetActive(b))
	active, ok = r.Active()
	require.True(t, ok)
	require.Equal(t, b, active)
}

func TestSetActiveUnknownKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.SetActive(wire.SessionKey{AgentID: "ghost", SessionID: "x"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCloseActiveClearsActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	a := wire.SessionKey{AgentID: "a", SessionID: "1"}
	_, err := r.Create(a, wire.ModeSingleAgent)
	require.NoError(t, err)
	require.NoError(t, r.SetActive(a))

	require.NoError(t, r.Close(a))
	_, ok := r.Active()
	require.False(t, ok)
}

func TestOrchestratorProvidersDropsDangling(t *testing.T) {
	r, _ := newTestRegistry(t)
	orch := wire.SessionKey{AgentID: "orch", SessionID: "merged"}
	p1 := wire.SessionKey{AgentID: "a", SessionID: "1"}
	ghost := wire.SessionKey{AgentID: "a", SessionID: "ghost"}

	_, err := r.Create(orch, wire.ModeOrchestrator)
	require.NoError(t, err)
	_, err = r.Create(p1, wire.ModeSingleAgent)
	require.NoError(t, err)

	entry, err := r.SetOrchestratorProviders(orch, []wire.SessionKey{p1, ghost})
	require.NoError(t, err)
	require.Equal(t, []wire.SessionKey{p1}, entry.Providers)
}

func TestOrchestratorProvidersPrunedOnNextWrite(t *testing.T) {
	r, _ := newTestRegistry(t)
	orch := wire.SessionKey{AgentID: "orch", SessionID: "merged"}
	p1 := wire.SessionKey{AgentID: "a", SessionID: "1"}

	_, err := r.Create(orch, wire.ModeOrchestrator)
	require.NoError(t, err)
	_, err = r.Create(p1, wire.ModeSingleAgent)
	require.NoError(t, err)

	_, err = r.SetOrchestratorProviders(orch, []wire.SessionKey{p1})
	require.NoError(t, err)

	require.NoError(t, r.Close(p1))

	// Any later mutation re-flushes the document and must drop p1.
	_, err = r.AddContextItems(orch, []string{"note"})
	require.NoError(t, err)

	entry, err := r.Get(orch)
	require.NoError(t, err)
	require.Empty(t, entry.Providers)
}

func TestAddContextItems(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := wire.SessionKey{AgentID: "a", SessionID: "1"}
	_, err := r.Create(key, wire.ModeSingleAgent)
	require.NoError(t, err)

	entry, err := r.AddContextItems(key, []string{"first"})
	require.NoError(t, err)
	require.Equal(t, []string{"first"}, entry.Context)

	entry, err = r.AddContextItems(key, []string{"second"})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, entry.Context)
}

func TestAppendHistoryBounded(t *testing.T) {
	entry := wire.SessionRegistryEntry{}
	for i := 0; i < wire.MaxTurnHistory+10; i++ {
		entry.AppendHistory(wire.TurnSummary{Turn: i})
	}
	require.Len(t, entry.History, wire.MaxTurnHistory)
	require.Equal(t, wire.MaxTurnHistory+9, entry.History[len(entry.History)-1].Turn)
}

func TestLoadRoundTripsAcrossReopen(t *testing.T) {
	r, path := newTestRegistry(t)
	key := wire.SessionKey{AgentID: "a", SessionID: "1"}
	_, err := r.Create(key, wire.ModeSingleAgent)
	require.NoError(t, err)
	require.NoError(t, r.SetActive(key))

	r2, err := Load(path)
	require.NoError(t, err)

	got, err := r2.Get(key)
	require.NoError(t, err)
	require.Equal(t, key, got.Key())

	active, ok := r2.Active()
	require.True(t, ok)
	require.Equal(t, key, active)
}

func TestListFiltersByAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Create(wire.SessionKey{AgentID: "a", SessionID: "1"}, wire.ModeSingleAgent)
	require.NoError(t, err)
	_, err = r.Create(wire.SessionKey{AgentID: "b", SessionID: "1"}, wire.ModeSingleAgent)
	require.NoError(t, err)

	require.Len(t, r.List(""), 2)
	require.Len(t, r.List("a"), 1)
	require.Len(t, r.List("nonexistent"), 0)
}

func TestLoadCorruptFileStartsEmptyAndBacksUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core_sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	r, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, r.List(""))

	matches, err := filepath.Glob(path + ".corrupt.*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
}
