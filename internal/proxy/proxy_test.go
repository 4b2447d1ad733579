package proxy

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/eisen-labs/eisen-core/internal/extractor"
	"github.com/eisen-labs/eisen-core/internal/tracker"
	"github.com/eisen-labs/eisen-core/internal/wire"
	"github.com/eisen-labs/eisen-core/internal/zone"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type capturePublisher struct {
	messages []any
}

func (c *capturePublisher) Publish(_ wire.SessionKey, _ wire.SessionMode, msg any) {
	c.messages = append(c.messages, msg)
}

func newTestProxy(t *testing.T, cfg zone.Config) (*Proxy, *tracker.Tracker, *bytes.Buffer, *capturePublisher) {
	t.Helper()

	key := wire.SessionKey{AgentID: "claude", SessionID: "s1"}
	tr := tracker.New(key, wire.ModeSingleAgent, "/workspace", tracker.Options{})
	pub := &capturePublisher{}

	p, err := New(Config{
		AgentCommand: []string{"agent"},
		WorkDir:      "/workspace",
		Zone:         cfg,
		Extractor:    extractor.New("/workspace", extractor.Options{Now: func() time.Time { return time.UnixMilli(1000) }}),
		Tracker:      tr,
		Publisher:    pub,
		Now:          func() time.Time { return time.UnixMilli(1000) },
	})
	require.NoError(t, err)

	agentIn := &bytes.Buffer{}
	p.agentIn = nopWriteCloser{agentIn}
	return p, tr, agentIn, pub
}

func TestUpstreamForwardsBytesVerbatim(t *testing.T) {
	p, tr, agentIn, _ := newTestProxy(t, zone.Config{})

	lines := `{"jsonrpc":"2.0","id":"1","method":"session/prompt","params":{"prompt":[{"type":"resource_link","uri":"src/a.rs"}]}}` + "\n" +
		`{"not":"acp at all"}` + "\n"

	err := p.forwardUpstream(strings.NewReader(lines))
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, lines, agentIn.String())

	node, ok := tr.Nodes()["src/a.rs"]
	require.True(t, ok)
	require.Equal(t, wire.ActionUserReferenced, node.LastAction)
}

func TestDownstreamForwardsAllowedRequest(t *testing.T) {
	cfg, err := zone.NewConfig([]string{"src/**"}, nil)
	require.NoError(t, err)
	p, tr, agentIn, pub := newTestProxy(t, cfg)

	line := `{"jsonrpc":"2.0","id":"9","method":"fs/read_text_file","params":{"path":"src/main.go"}}` + "\n"
	hostOut := &bytes.Buffer{}

	err = p.forwardDownstream(strings.NewReader(line), hostOut)
	require.ErrorIs(t, err, io.EOF)

	require.Equal(t, line, hostOut.String(), "allowed bytes must be forwarded unmodified")
	require.Empty(t, agentIn.String(), "no synthesis on the allowed path")
	require.Empty(t, pub.messages)
	require.Equal(t, wire.ActionRead, tr.Nodes()["src/main.go"].LastAction)
}

func TestDownstreamDenialRoundTrip(t *testing.T) {
	cfg, err := zone.NewConfig([]string{"src/ui/**"}, []string{"**/.env"})
	require.NoError(t, err)
	p, tr, agentIn, pub := newTestProxy(t, cfg)

	line := `{"jsonrpc":"2.0","id":42,"method":"fs/read_text_file","params":{"path":"core/auth.rs"}}` + "\n"
	hostOut := &bytes.Buffer{}

	err = p.forwardDownstream(strings.NewReader(line), hostOut)
	require.ErrorIs(t, err, io.EOF)

	require.Empty(t, hostOut.String(), "a denied request never reaches the host")

	response := agentIn.String()
	require.True(t, strings.HasSuffix(response, "\n"))
	require.Equal(t, int64(42), gjson.Get(response, "id").Int(), "number ids round-trip untouched")
	require.Equal(t, int64(wire.ZoneDenialCode), gjson.Get(response, "error.code").Int())
	require.Contains(t, gjson.Get(response, "error.message").String(), "core/auth.rs")
	require.Contains(t, gjson.Get(response, "error.message").String(), "orchestrator")

	node, ok := tr.Nodes()["core/auth.rs"]
	require.True(t, ok)
	require.Equal(t, wire.ActionBlocked, node.LastAction)

	require.Len(t, pub.messages, 1)
	blocked, ok := pub.messages[0].(wire.Blocked)
	require.True(t, ok)
	require.Equal(t, "core/auth.rs", blocked.Path)
	require.Equal(t, wire.ActionRead, blocked.Action)
}

func TestDownstreamDenyGlobBeatsAllow(t *testing.T) {
	cfg, err := zone.NewConfig([]string{"src/ui/**"}, []string{"**/.env"})
	require.NoError(t, err)
	p, _, agentIn, _ := newTestProxy(t, cfg)

	line := `{"jsonrpc":"2.0","id":"1","method":"fs/write_text_file","params":{"path":"src/ui/.env","content":"x"}}` + "\n"
	hostOut := &bytes.Buffer{}

	err = p.forwardDownstream(strings.NewReader(line), hostOut)
	require.ErrorIs(t, err, io.EOF)
	require.Empty(t, hostOut.String())
	require.Equal(t, int64(wire.ZoneDenialCode), gjson.Get(agentIn.String(), "error.code").Int())
}

func TestDownstreamNonScreenedLinesPassThrough(t *testing.T) {
	p, _, agentIn, _ := newTestProxy(t, zone.Config{})

	lines := `{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"agent_message_chunk"}}}` + "\n" +
		"not json at all\n"
	hostOut := &bytes.Buffer{}

	err := p.forwardDownstream(strings.NewReader(lines), hostOut)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, lines, hostOut.String())
	require.Empty(t, agentIn.String())
}

func TestEndOfTurnReportsPromptSummary(t *testing.T) {
	p, _, _, _ := newTestProxy(t, zone.Config{})

	var summaries []string
	p.cfg.OnTurnEnd = func(summary string) { summaries = append(summaries, summary) }

	prompt := `{"jsonrpc":"2.0","id":"1","method":"session/prompt","params":{"prompt":[{"type":"text","text":"fix the login bug"}]}}` + "\n"
	err := p.forwardUpstream(strings.NewReader(prompt))
	require.ErrorIs(t, err, io.EOF)
	require.Empty(t, summaries, "the turn has not ended yet")

	reply := `{"jsonrpc":"2.0","id":"1","result":{"stopReason":"end_turn"}}` + "\n"
	err = p.forwardDownstream(strings.NewReader(reply), &bytes.Buffer{})
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"fix the login bug"}, summaries)
}

func TestDenialResponsePreservesStringID(t *testing.T) {
	request := []byte(`{"jsonrpc":"2.0","id":"req-7","method":"fs/read_text_file","params":{"path":"x"}}`)
	response := denialResponse(request, "x")

	require.Equal(t, "req-7", gjson.GetBytes(response, "id").String())
	require.Equal(t, "2.0", gjson.GetBytes(response, "jsonrpc").String())
}
