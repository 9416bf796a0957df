package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRouter_PublicRoutesNoAuth(t *testing.T) {
	_, pub := generateTestKey(t)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := NewServer(Deps{Audit: &mockAudit{}, Metrics: metrics, Logger: noopLogger()})
	h := NewRouter(srv, &JWTConfig{PublicKey: pub, Logger: noopLogger()})

	for _, p := range []string{"/healthz", "/metrics"} {
		if code := serve(h, p, ""); code != http.StatusOK {
			t.Errorf("%s: expected 200 without auth, got %d", p, code)
		}
	}
}

func TestRouter_APIRoutesRequireJWT(t *testing.T) {
	_, pub := generateTestKey(t)
	live := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := NewServer(Deps{Audit: &mockAudit{}, Live: live, Logger: noopLogger()})
	h := NewRouter(srv, &JWTConfig{PublicKey: pub, Logger: noopLogger()})

	routes := []struct{ method, path string }{
		{http.MethodGet, "/ws"},
		{http.MethodGet, "/api/v1/rules"},
		{http.MethodPost, "/api/v1/rules"},
		{http.MethodDelete, "/api/v1/rules/abc"},
		{http.MethodGet, "/api/v1/observations"},
		{http.MethodGet, "/api/v1/matches"},
		{http.MethodGet, "/api/v1/matches/history"},
		{http.MethodPost, "/api/v1/history/clear"},
	}
	for _, rt := range routes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(rt.method, rt.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", rt.method, rt.path, rec.Code)
		}
	}
}

func TestRouter_ValidJWTReachesHandler(t *testing.T) {
	priv, pub := generateTestKey(t)
	srv := NewServer(Deps{Audit: &mockAudit{}, Logger: noopLogger()})
	h := NewRouter(srv, &JWTConfig{PublicKey: pub, Logger: noopLogger()})

	if code := serve(h, "/api/v1/rules", "Bearer "+signToken(t, priv, validClaims())); code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
}

func TestRouter_OptionalRoutesAbsent(t *testing.T) {
	h := newTestServer(Deps{})
	for _, p := range []string{"/metrics", "/ws"} {
		if code := serve(h, p, ""); code != http.StatusNotFound {
			t.Errorf("%s: expected 404 when not configured, got %d", p, code)
		}
	}
}
