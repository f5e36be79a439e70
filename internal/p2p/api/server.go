package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/execution-hub/duel-escrow/internal/domain/ledger"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
	"github.com/execution-hub/duel-escrow/internal/infrastructure/sse"
	"github.com/execution-hub/duel-escrow/internal/p2p/consensus"
	"github.com/execution-hub/duel-escrow/internal/p2p/protocol"
	"github.com/execution-hub/duel-escrow/internal/p2p/state"
)

// Node is the replicated runtime served over HTTP.
type Node interface {
	ID() string
	RaftAddr() string
	State() string
	IsLeader() bool
	LeaderAddr() string
	LeaderNodeID() string
	Stats() map[string]string
	ApplyTx(ctx context.Context, tx protocol.Tx) (state.Receipt, error)
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	RemoveServer(ctx context.Context, nodeID string) error
	Machine() *state.Machine
}

// Server provides HTTP endpoints for the escrow node.
type Server struct {
	node   Node
	hub    *sse.Hub
	logger zerolog.Logger
	cancel func()
}

// NewServer wires committed machine events into hub.
func NewServer(node Node, hub *sse.Hub, logger zerolog.Logger) *Server {
	s := &Server{
		node:   node,
		hub:    hub,
		logger: logger.With().Str("service", "api").Logger(),
	}
	s.cancel = node.Machine().Subscribe(func(ev state.Event) {
		hub.Publish(&sse.Message{ID: ev.EventID, Event: ev.Type, MatchID: ev.MatchID, Data: mustJSON(ev)})
	})
	return s
}

// Close stops forwarding events to the hub.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	// Streams outlive the request timeout.
	r.Get("/v1/events/stream", s.streamEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Route("/v1/p2p", func(r chi.Router) {
			r.Post("/tx", s.submitTx)
			r.Get("/tx/{txId}", s.getReceipt)
			r.Get("/stats", s.stateStats)
			r.Get("/raft", s.raftStatus)
			r.Post("/raft/join", s.raftJoin)
			r.Post("/raft/remove", s.raftRemove)
		})
		r.Route("/v1/matches", func(r chi.Router) {
			r.Get("/", s.listMatches)
			r.Get("/{matchId}", s.getMatch)
			r.Get("/{matchId}/pot", s.getPot)
			r.Get("/{matchId}/events", s.listMatchEvents)
		})
		r.Get("/v1/events", s.listEvents)
		r.Get("/v1/admin/config", s.adminConfig)
		r.Get("/v1/ledger/{token}/{account}", s.ledgerAccount)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"nodeId":   s.node.ID(),
		"state":    s.node.State(),
		"leader":   s.node.LeaderAddr(),
		"leaderId": s.node.LeaderNodeID(),
	})
}

func (s *Server) submitTx(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var tx protocol.Tx
	if err := decodeBody(r, &tx); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	receipt, err := s.node.ApplyTx(r.Context(), tx)
	if err != nil {
		if isLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		status, code := classifyTxError(err)
		var extra map[string]any
		if receipt.TxID != "" {
			extra = map[string]any{"receipt": receipt}
		}
		s.logger.Debug().Str("tx_id", tx.TxID).Str("code", code).Err(err).Msg("tx rejected")
		respondError(w, status, code, err.Error(), extra)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	txID := strings.TrimSpace(chi.URLParam(r, "txId"))
	receipt, ok := s.node.Machine().Receipt(txID)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "tx not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 500)
	filter := r.URL.Query().Get("filter")
	matches, err := s.node.Machine().ListMatches(filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"matches": matches,
	})
}

func (s *Server) getMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	m, err := s.node.Machine().GetMatch(id)
	if err != nil {
		respondMatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) getPot(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	pot, err := s.node.Machine().Pot(id)
	if err != nil {
		respondMatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"match_id": id,
		"pot":      pot,
	})
}

func (s *Server) listMatchEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := matchIDParam(w, r)
	if !ok {
		return
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	events, err := s.node.Machine().ListMatchEvents(id, limit, offset)
	if err != nil {
		respondMatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"match_id": id,
		"events":   events,
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := parseLimitOffset(r, 100, 500)
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "after must be a sequence number", nil)
			return
		}
		after = parsed
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"after":  after,
		"events": s.node.Machine().ListEvents(after, limit),
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}
	var matchID uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("match_id")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "match_id must be numeric", nil)
			return
		}
		matchID = parsed
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported", nil)
		return
	}
	client := sse.NewClient(clientID, matchID)
	s.hub.Register(client)
	defer s.hub.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.MessageChan:
			if msg == nil {
				return
			}
			_, _ = w.Write([]byte("id: " + msg.ID + "\nevent: " + msg.Event + "\ndata: "))
			_, _ = w.Write(msg.Data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) adminConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.node.Machine().Config()
	respondJSON(w, http.StatusOK, map[string]any{
		"owner":           cfg.Owner,
		"fee_recipient":   cfg.FeeRecipient,
		"default_fee_bps": cfg.DefaultFeeBps,
		"max_fee_bps":     cfg.MaxFeeBps,
		"referees":        cfg.RefereeList(),
		"escrow_account":  state.EscrowAccount,
	})
}

func (s *Server) ledgerAccount(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	account := match.NormalizeAddress(chi.URLParam(r, "account"))
	spender := match.NormalizeAddress(r.URL.Query().Get("spender"))
	if spender.IsZero() {
		spender = state.EscrowAccount
	}
	machine := s.node.Machine()
	respondJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"account":   account,
		"balance":   machine.Balance(token, account),
		"spender":   spender,
		"allowance": machine.Allowance(token, account, spender),
	})
}

func (s *Server) stateStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.node.Machine().StateStats())
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.node.ID(),
		"raft_addr":  s.node.RaftAddr(),
		"state":      s.node.State(),
		"leader":     s.node.LeaderAddr(),
		"leader_id":  s.node.LeaderNodeID(),
		"is_leader":  s.node.IsLeader(),
		"raft_stats": s.node.Stats(),
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if isLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error(), nil)
		return
	}
	s.logger.Info().Str("node_id", req.NodeID).Str("raft_addr", req.RaftAddr).Msg("voter added")
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.RemoveServer(r.Context(), req.NodeID); err != nil {
		if isLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (s *Server) respondNotLeader(w http.ResponseWriter, message string) {
	respondError(w, http.StatusConflict, "NOT_LEADER", message, map[string]any{
		"leader":    s.node.LeaderAddr(),
		"leader_id": s.node.LeaderNodeID(),
	})
}

func matchIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(chi.URLParam(r, "matchId")), 10, 64)
	if err != nil || id == 0 {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "match id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func respondMatchError(w http.ResponseWriter, err error) {
	status, code := classifyTxError(err)
	respondError(w, status, code, err.Error(), nil)
}

// classifyTxError maps a failure to an HTTP status and error code.
func classifyTxError(err error) (int, string) {
	if kind := match.KindOf(err); kind != "" {
		code := match.CodeOf(err)
		switch kind {
		case match.KindValidation:
			return http.StatusBadRequest, code
		case match.KindNotFound:
			return http.StatusNotFound, code
		case match.KindAuthorization:
			return http.StatusForbidden, code
		case match.KindState, match.KindTiming:
			return http.StatusConflict, code
		case match.KindConsistency:
			return http.StatusUnprocessableEntity, code
		}
	}
	switch {
	case errors.Is(err, consensus.ErrClockSkew):
		return http.StatusBadRequest, "CLOCK_SKEW"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_ALLOWANCE"
	case errors.Is(err, ledger.ErrInvalidTransfer):
		return http.StatusBadRequest, "INVALID_TRANSFER"
	}
	return http.StatusBadRequest, "TX_REJECTED"
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			offset = parsed
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

func isLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
