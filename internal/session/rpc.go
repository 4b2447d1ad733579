package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eisen-labs/eisen-core/internal/broadcast"
	"github.com/eisen-labs/eisen-core/internal/registry"
	"github.com/eisen-labs/eisen-core/internal/wire"
)

// RPC error codes on the UI connection. Zone denial reuses
// wire.ZoneDenialCode; these cover the registry surface.
const (
	codeInvalidParams = -32602
	codeNotFound      = -32004
	codeInternal      = -32603
)

type keyParams struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

func (p keyParams) key() wire.SessionKey {
	return wire.SessionKey{AgentID: p.AgentID, SessionID: p.SessionID}
}

func (p keyParams) validate() *wire.RPCError {
	if p.AgentID == "" || p.SessionID == "" {
		return &wire.RPCError{Code: codeInvalidParams, Message: "agent_id and session_id are required"}
	}
	return nil
}

func decodeParams(params json.RawMessage, into any) *wire.RPCError {
	if len(params) == 0 {
		return &wire.RPCError{Code: codeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(params, into); err != nil {
		return &wire.RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("malformed params: %v", err)}
	}
	return nil
}

func registryError(err error) *wire.RPCError {
	if errors.Is(err, registry.ErrNotFound) {
		return &wire.RPCError{Code: codeNotFound, Message: "session not found"}
	}
	return &wire.RPCError{Code: codeInternal, Message: err.Error()}
}

// RegisterRPC wires the hub's method table onto the broadcast server:
// list_sessions, create_session, update_session, close_session,
// set_active_session, get_session_state, set_orchestrator_providers,
// add_context_items.
func (h *Hub) RegisterRPC(srv *broadcast.Server) {
	srv.Handle("list_sessions", h.rpcListSessions)
	srv.Handle("create_session", h.rpcCreateSession)
	srv.Handle("update_session", h.rpcUpdateSession)
	srv.Handle("close_session", h.rpcCloseSession)
	srv.Handle("set_active_session", h.rpcSetActiveSession)
	srv.Handle("get_session_state", h.rpcGetSessionState)
	srv.Handle("set_orchestrator_providers", h.rpcSetOrchestratorProviders)
	srv.Handle("add_context_items", h.rpcAddContextItems)
}

func (h *Hub) rpcListSessions(_ context.Context, params json.RawMessage) (any, *wire.RPCError) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &wire.RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("malformed params: %v", err)}
		}
	}
	return map[string]any{"sessions": h.reg.List(p.AgentID)}, nil
}

func (h *Hub) rpcCreateSession(_ context.Context, params json.RawMessage) (any, *wire.RPCError) {
	var p struct {
		keyParams
		Mode wire.SessionMode `json:"mode"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := p.validate(); rpcErr != nil {
		return nil, rpcErr
	}

	mode := p.Mode
	switch mode {
	case "":
		mode = wire.ModeSingleAgent
	case wire.ModeSingleAgent, wire.ModeOrchestrator:
	default:
		return nil, &wire.RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("unknown mode %q", p.Mode)}
	}

	entry, err := h.reg.Create(p.key(), mode)
	if err != nil {
		return nil, registryError(err)
	}
	if mode == wire.ModeSingleAgent {
		h.EnsureTracker(p.key())
	} else {
		h.SetProviders(p.key(), nil)
	}
	return entry, nil
}

// rpcUpdateSession mutates an existing entry: the active model and an
// optional appended turn summary.
func (h *Hub) rpcUpdateSession(_ context.Context, params json.RawMessage) (any, *wire.RPCError) {
	var p struct {
		keyParams
		Model   *wire.ModelRef `json:"model,omitempty"`
		Summary *string        `json:"summary,omitempty"`
		Turn    int            `json:"turn,omitempty"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := p.validate(); rpcErr != nil {
		return nil, rpcErr
	}

	entry, err := h.reg.Update(p.key(), func(e *wire.SessionRegistryEntry) {
		if p.Model != nil {
			e.Model = p.Model
		}
		if p.Summary != nil {
			e.AppendHistory(wire.TurnSummary{
				Turn:        p.Turn,
				Summary:     *p.Summary,
				TimestampMS: time.Now().UnixMilli(),
			})
		}
	})
	if err != nil {
		return nil, registryError(err)
	}
	return entry, nil
}

func (h *Hub) rpcCloseSession(_ context.Context, params json.RawMessage) (any, *wire.RPCError) {
	var p keyParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := p.validate(); rpcErr != nil {
		return nil, rpcErr
	}

	if err := h.reg.Close(p.key()); err != nil {
		return nil, registryError(err)
	}
	h.Remove(p.key())
	return map[string]any{"closed": true}, nil
}

func (h *Hub) rpcSetActiveSession(_ context.Context, params json.RawMessage) (any, *wire.RPCError) {
	var p keyParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := p.validate(); rpcErr != nil {
		return nil, rpcErr
	}

	if err := h.reg.SetActive(p.key()); err != nil {
		return nil, registryError(err)
	}
	return map[string]any{"active": p.key()}, nil
}

// rpcGetSessionState returns the persistent entry plus the live node
// table, so a UI can render a session it is not currently streaming.
func (h *Hub) rpcGetSessionState(_ context.Context, params json.RawMessage) (any, *wire.RPCError) {
	var p keyParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := p.validate(); rpcErr != nil {
		return nil, rpcErr
	}

	entry, err := h.reg.Get(p.key())
	if err != nil {
		return nil, registryError(err)
	}

	nodes := map[string]wire.FileNode{}
	h.mu.Lock()
	t, hasTracker := h.trackers[p.key()]
	o, hasOrch := h.orchs[p.key()]
	h.mu.Unlock()
	switch {
	case hasTracker:
		nodes = t.Nodes()
	case hasOrch:
		nodes = o.Nodes()
	}

	return map[string]any{"session": entry, "nodes": nodes}, nil
}

func (h *Hub) rpcSetOrchestratorProviders(_ context.Context, params json.RawMessage) (any, *wire.RPCError) {
	var p struct {
		keyParams
		Providers []keyParams `json:"providers"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := p.validate(); rpcErr != nil {
		return nil, rpcErr
	}

	providers := make([]wire.SessionKey, 0, len(p.Providers))
	for _, pk := range p.Providers {
		providers = append(providers, pk.key())
	}

	entry, err := h.reg.SetOrchestratorProviders(p.key(), providers)
	if err != nil {
		return nil, registryError(err)
	}

	// The live orchestrator follows the persisted list, which may have
	// dropped dangling keys.
	h.SetProviders(p.key(), entry.Providers)
	return entry, nil
}

func (h *Hub) rpcAddContextItems(_ context.Context, params json.RawMessage) (any, *wire.RPCError) {
	var p struct {
		keyParams
		Items []string `json:"items"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := p.validate(); rpcErr != nil {
		return nil, rpcErr
	}

	entry, err := h.reg.AddContextItems(p.key(), p.Items)
	if err != nil {
		return nil, registryError(err)
	}
	return entry, nil
}
