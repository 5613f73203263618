/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Actor:      X-Actor header -> audit actor in the request context

ROUTE GROUPS:
  /api/blood-types      Compatibility reference
  /api/stock/*          Stock views
  /api/donations        Intake and unit export
  /api/plans/*          Two-phase routine issue
  /api/emergency/*      O-negative fast path
  /api/dispensations    Dispensation log
  /api/audit            Audit trail
  /api/scenarios/*      Demo stock sets
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public and the
  actor header is trusted as sent.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/bloodbank-engine/engine"
)

// ActorHeader names the operator recorded in audit entries.
const ActorHeader = "X-Actor"

// NewRouter creates a new router with all routes configured.
// defaultActor is used when a request carries no actor header.
func NewRouter(h *Handler, defaultActor string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))
	r.Use(ActorMiddleware(defaultActor))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/blood-types", h.ListBloodTypes)

		// Stock routes
		r.Route("/stock", func(r chi.Router) {
			r.Get("/", h.GetStock)
			r.Get("/{type}/compatible", h.GetCompatibleStock)
		})

		// Donation routes
		r.Route("/donations", func(r chi.Router) {
			r.Get("/", h.ListDonations)
			r.Post("/", h.CreateDonation)
		})

		// Plan routes
		r.Route("/plans", func(r chi.Router) {
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
			r.Post("/{id}/apply", h.ApplyPlan)
		})

		// Emergency routes
		r.Route("/emergency", func(r chi.Router) {
			r.Post("/issue-all", h.IssueAllEmergency)
			r.Post("/issue", h.IssueEmergency)
		})

		r.Get("/dispensations", h.ListDispensations)
		r.Get("/audit", h.ListAudit)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	return r
}

// ActorMiddleware stores the X-Actor header (or defaultActor) in the request
// context for the audit trail.
func ActorMiddleware(defaultActor string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := strings.TrimSpace(r.Header.Get(ActorHeader))
			if actor == "" {
				actor = defaultActor
			}
			if actor != "" {
				r = r.WithContext(engine.WithActor(r.Context(), actor))
			}
			next.ServeHTTP(w, r)
		})
	}
}
