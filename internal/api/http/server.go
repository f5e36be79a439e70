package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	appIndexer "github.com/execution-hub/duel-escrow/internal/application/indexer"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
	"github.com/execution-hub/duel-escrow/internal/domain/projection"
)

// Indexer is the read side served by this API.
type Indexer interface {
	GetMatch(ctx context.Context, id uint64) (*projection.MatchRow, error)
	ListMatches(ctx context.Context, filter projection.Filter, limit, offset int) ([]*projection.MatchRow, error)
	Status() appIndexer.Status
}

// Server serves the indexed read model.
type Server struct {
	indexer  Indexer
	apiToken string
}

// NewServer creates the read API. An empty apiToken disables auth.
func NewServer(indexer Indexer, apiToken string) *Server {
	return &Server{indexer: indexer, apiToken: apiToken}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/indexer/status", s.indexerStatus)
		r.Route("/matches", func(r chi.Router) {
			r.Get("/", s.listMatches)
			r.Get("/{matchId}", s.getMatch)
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) indexerStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.indexer.Status())
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	var filter projection.Filter
	q := r.URL.Query()
	if v := strings.ToUpper(strings.TrimSpace(q.Get("status"))); v != "" {
		status := match.Status(v)
		switch status {
		case match.StatusCreated, match.StatusStarted, match.StatusResolved, match.StatusRefunded:
		default:
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "unknown status")
			return
		}
		filter.Status = &status
	}
	if v := match.NormalizeAddress(q.Get("player")); !v.IsZero() {
		filter.Player = &v
	}
	if v := strings.TrimSpace(q.Get("token")); v != "" {
		filter.Token = &v
	}
	limit, offset := parseLimitOffset(r, 50, 500)

	rows, err := s.indexer.ListMatches(r.Context(), filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if rows == nil {
		rows = []*projection.MatchRow{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"matches": rows,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) getMatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "matchId"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid match id")
		return
	}
	row, err := s.indexer.GetMatch(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if row == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "match not indexed")
		return
	}
	respondJSON(w, http.StatusOK, row)
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
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
