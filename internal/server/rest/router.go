package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the API router.
//
// Route layout:
//
//	GET    /healthz                  liveness and pipeline health (no auth)
//	GET    /metrics                  Prometheus exposition (no auth)
//	GET    /ws                       live match feed (auth)
//	GET    /api/v1/rules             list rules
//	POST   /api/v1/rules             learn and store a rule from {"text"}
//	DELETE /api/v1/rules/{id}        delete a rule
//	GET    /api/v1/observations      newest observations
//	GET    /api/v1/matches           newest matches
//	GET    /api/v1/matches/history   PostgreSQL match query
//	POST   /api/v1/history/clear     reset the event history index
//
// auth nil disables JWT validation.
func NewRouter(srv *Server, auth *JWTConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if srv.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", srv.Metrics)
	}

	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(JWTMiddleware(*auth))
		}

		if srv.Live != nil {
			r.Method(http.MethodGet, "/ws", srv.Live)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/rules", srv.handleListRules)
			r.Post("/rules", srv.handleCreateRule)
			r.Delete("/rules/{id}", srv.handleDeleteRule)

			r.Get("/observations", srv.handleTailObservations)
			r.Get("/matches", srv.handleTailMatches)
			r.Get("/matches/history", srv.handleMatchHistory)

			r.Post("/history/clear", srv.handleClearHistory)
		})
	})

	return r
}
