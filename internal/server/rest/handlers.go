package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/watchtower/internal/audit"
	"github.com/tripwire/watchtower/internal/learner"
	"github.com/tripwire/watchtower/internal/rules"
	"github.com/tripwire/watchtower/internal/server/storage"
)

const (
	defaultTailLimit = 50
	maxTailLimit     = 1000
	maxBodyBytes     = 64 * 1024
)

// Deps are the Server's collaborators. Audit is required; the rest may be
// nil, in which case their routes answer 503 (or, for Health, a plain ok).
type Deps struct {
	Audit   AuditStore
	Learner Learner
	History MatchHistory
	Index   HistoryResetter
	Health  http.Handler
	Metrics http.Handler
	Live    http.Handler
	Logger  *slog.Logger
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	Deps
}

// NewServer creates a Server.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{Deps: d}
}

// handleHealthz responds to GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		s.Health.ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRules responds to GET /api/v1/rules.
func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Audit.ReadRules())
}

type createRuleRequest struct {
	Text string `json:"text"`
}

// handleCreateRule responds to POST /api/v1/rules with body {"text": "..."}.
//
//	201  the learned and stored rule
//	400  malformed body or empty text
//	422  the generated rule was invalid
//	502  the text-completion service failed
//	503  no learner configured
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if s.Learner == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "rule learning is not configured")
		return
	}

	var req createRuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "body must be a JSON object with a 'text' field")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, http.StatusBadRequest, "'text' is required")
		return
	}

	rule, err := s.Learner.Learn(r.Context(), req.Text)
	switch {
	case errors.Is(err, learner.ErrInvalidRule):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, learner.ErrGenerate):
		s.Logger.Warn("rule learning failed", slog.Any("error", err))
		writeJSONError(w, http.StatusBadGateway, "rule generation failed")
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "rule learning failed")
		return
	}

	if err := s.Audit.AddRule(rule); err != nil {
		s.Logger.Error("failed to store rule", slog.String("rule_id", rule.ID), slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to store rule")
		return
	}
	s.Logger.Info("rule created",
		slog.String("rule_id", rule.ID),
		slog.String("rule_name", rule.Name),
		slog.String("file_pattern", rule.FilePattern),
		slog.String("event", rule.Event),
	)
	writeJSON(w, http.StatusCreated, rule)
}

// handleDeleteRule responds to DELETE /api/v1/rules/{id}.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Audit.DeleteRule(id)
	switch {
	case errors.Is(err, audit.ErrRuleNotFound):
		writeJSONError(w, http.StatusNotFound, "rule not found")
	case err != nil:
		s.Logger.Error("failed to delete rule", slog.String("rule_id", id), slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to delete rule")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleTailObservations responds to GET /api/v1/observations?limit=N.
func (s *Server) handleTailObservations(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultTailLimit)
	if !ok {
		return
	}
	entries, err := s.Audit.TailObservations(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to read observations")
		return
	}
	if entries == nil {
		entries = []audit.ObservationEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleTailMatches responds to GET /api/v1/matches?limit=N.
func (s *Server) handleTailMatches(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultTailLimit)
	if !ok {
		return
	}
	matches, err := s.Audit.TailMatches(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to read matches")
		return
	}
	if matches == nil {
		matches = []rules.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleMatchHistory responds to GET /api/v1/matches/history.
//
// Query parameters (all optional):
//
//	rule_id – exact rule id
//	from    – RFC3339 start of the matched_at window (default: 24h before to)
//	to      – RFC3339 end of the window (default: now)
//	limit   – maximum results (default 100, max 1000)
//	offset  – pagination offset
func (s *Server) handleMatchHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "match history requires postgres")
		return
	}
	q := r.URL.Query()

	mq := storage.MatchQuery{RuleID: q.Get("rule_id"), To: time.Now()}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
		mq.To = t
	}
	mq.From = mq.To.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
		mq.From = t
	}
	if !mq.To.After(mq.From) {
		writeJSONError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}
	mq.Limit = limit

	if v := q.Get("offset"); v != "" {
		off, err := strconv.Atoi(v)
		if err != nil || off < 0 {
			writeJSONError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		mq.Offset = off
	}

	recs, err := s.History.QueryMatches(r.Context(), mq)
	if err != nil {
		s.Logger.Error("match history query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query match history")
		return
	}
	if recs == nil {
		recs = []storage.MatchRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleClearHistory responds to POST /api/v1/history/clear.
func (s *Server) handleClearHistory(w http.ResponseWriter, _ *http.Request) {
	if s.Index == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "event history is not available")
		return
	}
	s.Index.Clear()
	s.Logger.Info("event history cleared")
	w.WriteHeader(http.StatusNoContent)
}

// parseLimit reads ?limit=, writing a 400 and returning false when invalid.
// Values above maxTailLimit are capped.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return 0, false
	}
	if n > maxTailLimit {
		n = maxTailLimit
	}
	return n, true
}
