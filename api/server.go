/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions for the read-only status API. The pipeline itself is driven
  from the command line; this surface exists for operators and the
  manual-review process that consumes incidents.

ROUTER: chi
  Lightweight, context-based, RESTful route patterns.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/jobs            Job ledger state
  /api/incidents       Unresolved-reference incident log
  /api/sync-runs       Reconciliation audit trail
  /api/awards/{id}     Single award lookup
  /api/stats/...       Per-beneficiary aggregates
  /api/health          Liveness

SECURITY NOTE:
  No authentication middleware. The API is read-only and intended for an
  internal network.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/etl/main.go: serve command
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
		})

		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", h.ListIncidents)
		})

		r.Route("/sync-runs", func(r chi.Router) {
			r.Get("/", h.ListSyncRuns)
		})

		r.Route("/awards", func(r chi.Router) {
			r.Get("/{id}", h.GetAward)
		})

		r.Route("/stats", func(r chi.Router) {
			r.Get("/beneficiaries/{id}", h.GetBeneficiaryStats)
		})
	})

	return r
}
