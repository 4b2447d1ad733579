package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"

	"github.com/eisen-labs/eisen-core/internal/logging"
	"github.com/eisen-labs/eisen-core/internal/wire"
)

const (
	// streamTopic is the single pub/sub topic all UI messages flow
	// through before per-client fan-out.
	streamTopic = "ui.stream"

	metaAgentID   = "agent_id"
	metaSessionID = "session_id"
	metaMode      = "session_mode"
	metaSeq       = "seq"

	// clientBuffer bounds each client's outbound queue. Overflow is
	// not a drop: the client is resynced with a fresh snapshot.
	clientBuffer = 64

	// defaultRPCTimeout is the per-call deadline for rpc dispatch.
	defaultRPCTimeout = 5 * time.Second
)

// SnapshotSource produces fresh full-state messages on demand: for a
// newly accepted client, for an explicit request_snapshot, and for lag
// recovery. An empty sessionID means "the active session".
type SnapshotSource interface {
	Snapshots(sessionID string) []wire.Snapshot
}

// RPCHandler serves one named rpc method. A nil *wire.RPCError means
// success.
type RPCHandler func(ctx context.Context, params json.RawMessage) (any, *wire.RPCError)

// Server is the TCP fan-out for the UI stream. Producers publish
// already-sequenced messages; the server owns no tracker state, only
// the pub/sub channel, the client set, and the rpc dispatch table.
type Server struct {
	source     SnapshotSource
	pubsub     *gochannel.GoChannel
	rpcTimeout time.Duration

	ln net.Listener

	mu       sync.Mutex
	clients  map[string]*client
	handlers map[string]RPCHandler
	closed   bool
}

// NewServer creates a Server backed by source for snapshot generation.
func NewServer(source SnapshotSource) *Server {
	return &Server{
		source: source,
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 256,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		rpcTimeout: defaultRPCTimeout,
		clients:    make(map[string]*client),
		handlers:   make(map[string]RPCHandler),
	}
}

// Handle registers an rpc method. Must be called before Serve.
func (s *Server) Handle(method string, h RPCHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Listen binds the TCP listener on 127.0.0.1:port. A port of 0
// requests an ephemeral allocation; the chosen port is readable via
// Port afterward.
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("broadcast: bind port %d: %w", port, err)
	}
	s.ln = ln
	return nil
}

// Port returns the bound TCP port. Valid only after Listen.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Publish marshals msg once and hands it to the stream. key and mode
// travel as metadata so per-client filtering never has to re-parse the
// payload.
func (s *Server) Publish(key wire.SessionKey, mode wire.SessionMode, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logging.Warn().Err(err).Msg("dropping unmarshalable broadcast message")
		return
	}

	m := message.NewMessage(watermill.NewUUID(), payload)
	m.Metadata.Set(metaAgentID, key.AgentID)
	m.Metadata.Set(metaSessionID, key.SessionID)
	m.Metadata.Set(metaMode, string(mode))
	switch sequenced := msg.(type) {
	case wire.Snapshot:
		m.Metadata.Set(metaSeq, strconv.FormatUint(sequenced.Seq, 10))
	case wire.Delta:
		m.Metadata.Set(metaSeq, strconv.FormatUint(sequenced.Seq, 10))
	}

	if err := s.pubsub.Publish(streamTopic, m); err != nil {
		logging.Warn().Err(err).Msg("broadcast publish failed")
	}
}

// Serve runs the dispatcher and the accept loop until ctx is
// cancelled or the listener fails. It closes every client connection
// on the way out.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages, err := s.pubsub.Subscribe(ctx, streamTopic)
	if err != nil {
		return fmt.Errorf("broadcast: subscribe: %w", err)
	}
	go s.dispatch(messages)

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broadcast: accept: %w", err)
		}

		c := newClient(ulid.Make().String(), conn, s)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.clients[c.id] = c
		s.mu.Unlock()

		go c.run(ctx)
	}
}

// dispatch fans each published message out to every connected client.
// A client whose queue is full is marked lagged instead of blocking
// the producer; its writer loop resyncs it with a fresh snapshot.
func (s *Server) dispatch(messages <-chan *message.Message) {
	for m := range messages {
		key := wire.SessionKey{
			AgentID:   m.Metadata.Get(metaAgentID),
			SessionID: m.Metadata.Get(metaSessionID),
		}
		mode := wire.SessionMode(m.Metadata.Get(metaMode))
		seq, hasSeq := uint64(0), false
		if raw := m.Metadata.Get(metaSeq); raw != "" {
			if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
				seq, hasSeq = parsed, true
			}
		}

		s.mu.Lock()
		for _, c := range s.clients {
			c.offer(key, mode, seq, hasSeq, m.Payload)
		}
		s.mu.Unlock()

		m.Ack()
	}
}

// drop removes a client from the set, called by the client itself on
// disconnect.
func (s *Server) drop(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.ln.Close()
	for _, c := range clients {
		c.conn.Close()
	}
	s.pubsub.Close()
}

// dispatchRPC looks up and runs a handler under the per-call deadline,
// returning the reply message to write. Unknown methods and expired
// deadlines reply with rpc_error; the connection is never closed over
// an rpc failure.
func (s *Server) dispatchRPC(ctx context.Context, req wire.RPC) any {
	id := req.ID
	if id == "" {
		id = ulid.Make().String()
	}

	s.mu.Lock()
	handler, ok := s.handlers[req.Method]
	s.mu.Unlock()
	if !ok {
		return wire.RPCErrorReply{
			Type: wire.TypeRPCError,
			ID:   id,
			Error: wire.RPCError{
				Code:    -32601,
				Message: fmt.Sprintf("unknown method %q", req.Method),
			},
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()

	type outcome struct {
		result any
		rpcErr *wire.RPCError
	}
	done := make(chan outcome, 1)
	go func() {
		result, rpcErr := handler(callCtx, req.Params)
		done <- outcome{result, rpcErr}
	}()

	select {
	case o := <-done:
		if o.rpcErr != nil {
			return wire.RPCErrorReply{Type: wire.TypeRPCError, ID: id, Error: *o.rpcErr}
		}
		return wire.RPCResult{Type: wire.TypeRPCResult, ID: id, Result: o.result}
	case <-callCtx.Done():
		return wire.RPCErrorReply{
			Type:  wire.TypeRPCError,
			ID:    id,
			Error: wire.RPCError{Code: -32000, Message: "rpc deadline exceeded"},
		}
	}
}
