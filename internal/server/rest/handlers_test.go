package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/watchtower/internal/audit"
	"github.com/tripwire/watchtower/internal/event"
	"github.com/tripwire/watchtower/internal/learner"
	"github.com/tripwire/watchtower/internal/rules"
	"github.com/tripwire/watchtower/internal/server/storage"
)

// mockAudit is a test double for AuditStore.
type mockAudit struct {
	rules        []rules.Rule
	addErr       error
	observations []audit.ObservationEntry
	matches      []rules.Match
	tailErr      error
	lastLimit    int
}

func (m *mockAudit) ReadRules() []rules.Rule { return append([]rules.Rule{}, m.rules...) }

func (m *mockAudit) AddRule(r rules.Rule) error {
	if m.addErr != nil {
		return m.addErr
	}
	m.rules = append(m.rules, r)
	return nil
}

func (m *mockAudit) DeleteRule(id string) error {
	for i, r := range m.rules {
		if r.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", audit.ErrRuleNotFound, id)
}

func (m *mockAudit) TailObservations(limit int) ([]audit.ObservationEntry, error) {
	m.lastLimit = limit
	return m.observations, m.tailErr
}

func (m *mockAudit) TailMatches(limit int) ([]rules.Match, error) {
	m.lastLimit = limit
	return m.matches, m.tailErr
}

type mockLearner struct {
	rule rules.Rule
	err  error
	text string
}

func (m *mockLearner) Learn(_ context.Context, text string) (rules.Rule, error) {
	m.text = text
	return m.rule, m.err
}

type mockHistory struct {
	recs []storage.MatchRecord
	err  error
	last storage.MatchQuery
}

func (m *mockHistory) QueryMatches(_ context.Context, q storage.MatchQuery) ([]storage.MatchRecord, error) {
	m.last = q
	return m.recs, m.err
}

type mockIndex struct{ cleared int }

func (m *mockIndex) Clear() { m.cleared++ }

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// newTestServer returns the router for d with JWT disabled.
func newTestServer(d Deps) http.Handler {
	if d.Audit == nil {
		d.Audit = &mockAudit{}
	}
	d.Logger = noopLogger()
	return NewRouter(NewServer(d), nil)
}

func do(h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_DefaultOK(t *testing.T) {
	rec := do(newTestServer(Deps{}), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Errorf("body = %v (%v)", body, err)
	}
}

func TestHandleHealthz_Delegates(t *testing.T) {
	h := newTestServer(Deps{Health: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})})
	if rec := do(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusTeapot {
		t.Errorf("expected delegated status, got %d", rec.Code)
	}
}

// ---- rules ------------------------------------------------------------------

func TestHandleListRules_EmptyArray(t *testing.T) {
	rec := do(newTestServer(Deps{}), http.MethodGet, "/api/v1/rules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestHandleCreateRule_Created(t *testing.T) {
	store := &mockAudit{}
	lrn := &mockLearner{rule: rules.Rule{ID: "r1", Name: "ts", FilePattern: "*.ts", Event: "add", Confidence: 0.9}}
	h := newTestServer(Deps{Audit: store, Learner: lrn})

	rec := do(h, http.MethodPost, "/api/v1/rules", `{"text":"new typescript files"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var got rules.Rule
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "r1" {
		t.Errorf("rule id = %q", got.ID)
	}
	if lrn.text != "new typescript files" {
		t.Errorf("learner text = %q", lrn.text)
	}
	if len(store.rules) != 1 {
		t.Errorf("stored rules = %d, want 1", len(store.rules))
	}
}

func TestHandleCreateRule_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		deps Deps
		body string
		want int
	}{
		{"no learner", Deps{}, `{"text":"x"}`, http.StatusServiceUnavailable},
		{"bad json", Deps{Learner: &mockLearner{}}, `{`, http.StatusBadRequest},
		{"empty text", Deps{Learner: &mockLearner{}}, `{"text":"  "}`, http.StatusBadRequest},
		{"invalid rule", Deps{Learner: &mockLearner{err: fmt.Errorf("%w: missing name", learner.ErrInvalidRule)}}, `{"text":"x"}`, http.StatusUnprocessableEntity},
		{"generator down", Deps{Learner: &mockLearner{err: fmt.Errorf("%w: timeout", learner.ErrGenerate)}}, `{"text":"x"}`, http.StatusBadGateway},
		{"other learner error", Deps{Learner: &mockLearner{err: errors.New("boom")}}, `{"text":"x"}`, http.StatusInternalServerError},
		{"store failure", Deps{Audit: &mockAudit{addErr: errors.New("disk")}, Learner: &mockLearner{rule: rules.Rule{ID: "r"}}}, `{"text":"x"}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(newTestServer(tc.deps), http.MethodPost, "/api/v1/rules", tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestHandleCreateRule_InvalidDoesNotStore(t *testing.T) {
	store := &mockAudit{}
	h := newTestServer(Deps{Audit: store, Learner: &mockLearner{err: learner.ErrInvalidRule}})
	do(h, http.MethodPost, "/api/v1/rules", `{"text":"x"}`)
	if len(store.rules) != 0 {
		t.Errorf("rule stored despite learner failure")
	}
}

func TestHandleDeleteRule(t *testing.T) {
	store := &mockAudit{rules: []rules.Rule{{ID: "keep"}, {ID: "drop"}}}
	h := newTestServer(Deps{Audit: store})

	if rec := do(h, http.MethodDelete, "/api/v1/rules/drop", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(store.rules) != 1 || store.rules[0].ID != "keep" {
		t.Errorf("rules = %+v", store.rules)
	}
	if rec := do(h, http.MethodDelete, "/api/v1/rules/drop", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
}

// ---- tails ------------------------------------------------------------------

func TestHandleTailMatches_LimitHandling(t *testing.T) {
	store := &mockAudit{}
	h := newTestServer(Deps{Audit: store})

	cases := []struct {
		query     string
		wantCode  int
		wantLimit int
	}{
		{"", http.StatusOK, 50},
		{"?limit=5", http.StatusOK, 5},
		{"?limit=5000", http.StatusOK, 1000},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tc := range cases {
		store.lastLimit = 0
		rec := do(h, http.MethodGet, "/api/v1/matches"+tc.query, "")
		if rec.Code != tc.wantCode {
			t.Errorf("%q: status = %d, want %d", tc.query, rec.Code, tc.wantCode)
		}
		if store.lastLimit != tc.wantLimit {
			t.Errorf("%q: limit = %d, want %d", tc.query, store.lastLimit, tc.wantLimit)
		}
	}
}

func TestHandleTailMatches_Body(t *testing.T) {
	m := rules.Match{RuleID: "r1", Observation: event.Observation{Event: event.KindAdd, Path: "a.ts", Timestamp: 1}, Timestamp: 2}
	h := newTestServer(Deps{Audit: &mockAudit{matches: []rules.Match{m}}})

	rec := do(h, http.MethodGet, "/api/v1/matches", "")
	var got []rules.Match
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != m {
		t.Errorf("matches = %+v", got)
	}
}

func TestHandleTailObservations(t *testing.T) {
	entry := audit.ObservationEntry{ID: "o1", Observation: event.Observation{Event: event.KindChange, Path: "x", Timestamp: 9}}
	h := newTestServer(Deps{Audit: &mockAudit{observations: []audit.ObservationEntry{entry}}})

	rec := do(h, http.MethodGet, "/api/v1/observations?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"id":"o1"`)) || !bytes.Contains(rec.Body.Bytes(), []byte(`"event":"change"`)) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestHandleTail_ReadError(t *testing.T) {
	h := newTestServer(Deps{Audit: &mockAudit{tailErr: errors.New("io")}})
	for _, p := range []string{"/api/v1/matches", "/api/v1/observations"} {
		if rec := do(h, http.MethodGet, p, ""); rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", p, rec.Code)
		}
	}
}

// ---- match history ----------------------------------------------------------

func TestHandleMatchHistory_NoPostgres(t *testing.T) {
	rec := do(newTestServer(Deps{}), http.MethodGet, "/api/v1/matches/history", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHandleMatchHistory_Query(t *testing.T) {
	hist := &mockHistory{}
	h := newTestServer(Deps{History: hist})

	rec := do(h, http.MethodGet,
		"/api/v1/matches/history?rule_id=r1&from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&limit=10&offset=20", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rec.Body)
	}
	want := storage.MatchQuery{
		RuleID: "r1",
		From:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		To:     time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Limit:  10,
		Offset: 20,
	}
	if !hist.last.From.Equal(want.From) || !hist.last.To.Equal(want.To) ||
		hist.last.RuleID != want.RuleID || hist.last.Limit != want.Limit || hist.last.Offset != want.Offset {
		t.Errorf("query = %+v, want %+v", hist.last, want)
	}
}

func TestHandleMatchHistory_DefaultWindow(t *testing.T) {
	hist := &mockHistory{}
	h := newTestServer(Deps{History: hist})
	if rec := do(h, http.MethodGet, "/api/v1/matches/history", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if d := hist.last.To.Sub(hist.last.From); d != 24*time.Hour {
		t.Errorf("default window = %v, want 24h", d)
	}
	if hist.last.Limit != 100 {
		t.Errorf("default limit = %d, want 100", hist.last.Limit)
	}
}

func TestHandleMatchHistory_BadParams(t *testing.T) {
	h := newTestServer(Deps{History: &mockHistory{}})
	for _, q := range []string{
		"?from=yesterday",
		"?to=tomorrow",
		"?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z",
		"?offset=-1",
		"?limit=-3",
	} {
		if rec := do(h, http.MethodGet, "/api/v1/matches/history"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHandleMatchHistory_StoreError(t *testing.T) {
	h := newTestServer(Deps{History: &mockHistory{err: errors.New("db down")}})
	if rec := do(h, http.MethodGet, "/api/v1/matches/history", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

// ---- history reset ----------------------------------------------------------

func TestHandleClearHistory(t *testing.T) {
	idx := &mockIndex{}
	h := newTestServer(Deps{Index: idx})
	if rec := do(h, http.MethodPost, "/api/v1/history/clear", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if idx.cleared != 1 {
		t.Errorf("Clear called %d times", idx.cleared)
	}

	if rec := do(newTestServer(Deps{}), http.MethodPost, "/api/v1/history/clear", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without index: expected 503, got %d", rec.Code)
	}
}
