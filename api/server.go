/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client IP from X-Forwarded-For (rate limiting keys on it)
  3. AccessLog:  Structured request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Secure:     Browser hardening headers
  6. CORS:       Cross-origin requests for frontends
  7. RateLimit:  Per-IP request budget

ROUTE GROUPS:
  /api/obligations/*    Obligation registration and lookup
  /api/payees/*         Outstanding, allocation, events, statements
  /api/events/*         Reversals
  /api/accounts/*       Funding-account lookups
  /api/reports/*        Aging
  /api/scenarios/*      Demo scenarios
  /api/reset            Database reset (dev only)

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging, headers, rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	Logger             logrus.FieldLogger
	CORSOrigins        []string
	RateLimitPerMinute int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = h.Logger
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(SecureHeaders(opts.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(RateLimit(opts.RateLimitPerMinute))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Obligation routes
		r.Route("/obligations", func(r chi.Router) {
			r.Post("/", h.CreateObligation)
			r.Get("/{id}", h.GetObligation)
			r.Get("/{id}/events", h.GetObligationEvents)
			r.Post("/{id}/refresh-status", h.RefreshStatus)
		})

		// Payee routes
		r.Route("/payees", func(r chi.Router) {
			r.Get("/", h.ListPayees)
			r.Get("/{payee}/outstanding", h.GetOutstanding)
			r.Post("/{payee}/allocations", h.Allocate)
			r.Post("/{payee}/allocations/preview", h.PreviewAllocation)
			r.Get("/{payee}/events", h.GetPayeeEvents)
			r.Get("/{payee}/statement", h.GetStatement)
		})

		r.Post("/events/{id}/reverse", h.ReverseEvent)
		r.Get("/accounts/{account}/events", h.GetAccountEvents)
		r.Get("/reports/aging", h.GetAgingReport)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})

		r.Post("/reset", h.ResetDatabase)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Debt Allocation Engine</title></head>
<body>
<h1>Debt Allocation Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/payees">/api/payees</a> - Payees owing money</li>
<li><a href="/api/reports/aging">/api/reports/aging</a> - Aging report</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
