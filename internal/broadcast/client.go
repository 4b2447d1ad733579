package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/eisen-labs/eisen-core/internal/logging"
	"github.com/eisen-labs/eisen-core/internal/wire"
)

// maxInboundLine bounds one client line; inbound traffic is filters,
// snapshot requests, and rpc calls, none of which are large.
const maxInboundLine = 1 << 20

// queued is one stream message waiting on a client's outbound queue,
// with enough identity attached that the writer can drop it if a later
// snapshot of the same stream has already superseded it.
type queued struct {
	stream  string
	seq     uint64
	hasSeq  bool
	payload []byte
}

// client is one accepted TCP connection: a reader goroutine for
// inbound control messages and a writer goroutine relaying the
// filtered stream.
type client struct {
	id   string
	conn net.Conn
	srv  *Server

	// writeMu serialises the writer loop against reader-triggered
	// writes (snapshot responses, rpc replies).
	writeMu sync.Mutex

	out    chan queued
	lagged atomic.Bool
	resync chan struct{}

	filterMu sync.Mutex
	filter   wire.SetStreamFilter

	// floorMu guards floor: per stream, the seq of the last snapshot
	// written to this client. Queued messages at or below it were
	// allocated before that snapshot and must not follow it out, or
	// the client would see seq regress.
	floorMu sync.Mutex
	floor   map[string]uint64
}

func newClient(id string, conn net.Conn, srv *Server) *client {
	return &client{
		id:     id,
		conn:   conn,
		srv:    srv,
		out:    make(chan queued, clientBuffer),
		resync: make(chan struct{}, 1),
		floor:  make(map[string]uint64),
	}
}

func streamKey(agentID, sessionID string, mode wire.SessionMode) string {
	return agentID + "/" + sessionID + "/" + string(mode)
}

// offer enqueues one stream message, applying the client's filter. On
// a full queue the client is marked lagged and the message dropped;
// the writer loop brackets the gap with a fresh snapshot so the client
// never observes a sequence hole without one.
func (c *client) offer(key wire.SessionKey, mode wire.SessionMode, seq uint64, hasSeq bool, payload []byte) {
	if !c.passes(key.SessionID, mode) {
		return
	}
	if c.lagged.Load() {
		return
	}
	select {
	case c.out <- queued{stream: streamKey(key.AgentID, key.SessionID, mode), seq: seq, hasSeq: hasSeq, payload: payload}:
	default:
		c.lagged.Store(true)
		select {
		case c.resync <- struct{}{}:
		default:
		}
	}
}

func (c *client) passes(sessionID string, mode wire.SessionMode) bool {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	return c.filter.Matches(sessionID, mode)
}

func (c *client) setFilter(f wire.SetStreamFilter) {
	c.filterMu.Lock()
	c.filter = f
	c.filterMu.Unlock()
}

// run drives both halves of the connection and tears the client down
// when either exits.
func (c *client) run(ctx context.Context) {
	defer func() {
		c.srv.drop(c.id)
		c.conn.Close()
		logging.Debug().Str("client", c.id).Msg("ui client disconnected")
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logging.Debug().Str("client", c.id).Str("remote", c.conn.RemoteAddr().String()).Msg("ui client connected")

	// Snapshot-on-connect for the active session. Anything queued
	// while the client was being registered is superseded by it.
	c.drainQueued()
	c.sendSnapshots("")

	go c.readLoop(ctx, cancel)
	c.writeLoop(ctx)
}

// writeLoop relays queued stream messages, interleaving lag resyncs.
func (c *client) writeLoop(ctx context.Context) {
	for {
		if c.lagged.CompareAndSwap(true, false) {
			c.drainQueued()
			c.sendSnapshots(c.filteredSessionID())
			continue
		}

		select {
		case q := <-c.out:
			if c.superseded(q) {
				continue
			}
			if !c.writeLine(q.payload) {
				return
			}
		case <-c.resync:
			// Loop back around to the lag check.
		case <-ctx.Done():
			return
		}
	}
}

// drainQueued discards messages queued before the lag was noticed;
// the snapshot about to be sent supersedes all of them.
func (c *client) drainQueued() {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

// superseded reports whether a queued message carries a sequence at or
// below the last snapshot written for its stream. Such a message was
// produced before the snapshot but slipped past the queue drain; the
// snapshot already contains its effect.
func (c *client) superseded(q queued) bool {
	if !q.hasSeq {
		return false
	}
	c.floorMu.Lock()
	defer c.floorMu.Unlock()
	floor, ok := c.floor[q.stream]
	return ok && q.seq <= floor
}

// raiseFloor records the seq of a snapshot just written for a stream.
func (c *client) raiseFloor(stream string, seq uint64) {
	c.floorMu.Lock()
	defer c.floorMu.Unlock()
	if current, ok := c.floor[stream]; !ok || seq > current {
		c.floor[stream] = seq
	}
}

func (c *client) filteredSessionID() string {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if c.filter.SessionID != nil {
		return *c.filter.SessionID
	}
	return ""
}

// readLoop parses inbound control messages. A malformed line is logged
// and skipped; the connection stays up.
func (c *client) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxInboundLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		switch wire.MessageType(gjson.GetBytes(line, "type").String()) {
		case wire.TypeSetStreamFilter:
			var f wire.SetStreamFilter
			if err := json.Unmarshal(line, &f); err != nil {
				logging.Warn().Err(err).Str("client", c.id).Msg("malformed set_stream_filter")
				continue
			}
			c.setFilter(f)

		case wire.TypeRequestSnapshot:
			var req wire.RequestSnapshot
			if err := json.Unmarshal(line, &req); err != nil {
				logging.Warn().Err(err).Str("client", c.id).Msg("malformed request_snapshot")
				continue
			}
			sessionID := ""
			if req.SessionID != nil {
				sessionID = *req.SessionID
			}
			c.sendSnapshots(sessionID)

		case wire.TypeRPC:
			var req wire.RPC
			if err := json.Unmarshal(line, &req); err != nil {
				logging.Warn().Err(err).Str("client", c.id).Msg("malformed rpc")
				continue
			}
			reply := c.srv.dispatchRPC(ctx, req)
			c.sendJSON(reply)

		default:
			logging.Warn().Str("client", c.id).Str("line", string(line)).Msg("unrecognised ui client message")
		}
	}
}

// sendSnapshots writes fresh full-state messages for the named session
// (or the active one) straight to the connection, bypassing the queue:
// snapshots must not themselves be subject to lag dropping.
func (c *client) sendSnapshots(sessionID string) {
	for _, snap := range c.srv.source.Snapshots(sessionID) {
		if !c.passes(snap.SessionID, snap.SessionMode) {
			continue
		}
		if c.sendJSON(snap) {
			c.raiseFloor(streamKey(snap.AgentID, snap.SessionID, snap.SessionMode), snap.Seq)
		}
	}
}

func (c *client) sendJSON(msg any) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		logging.Warn().Err(err).Str("client", c.id).Msg("dropping unmarshalable reply")
		return true
	}
	return c.writeLine(payload)
}

func (c *client) writeLine(payload []byte) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// The payload is shared across clients; never append in place.
	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')

	if _, err := c.conn.Write(line); err != nil {
		return false
	}
	return true
}
