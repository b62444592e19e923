/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. Logger:       Request logging
  3. Recoverer:    Panic recovery (500 instead of crash)
  4. CORS:         Cross-origin requests from the terminals' web UI
  5. Idempotency:  Replays POST/PUT carrying Idempotency-Key (/api only)

ROUTE GROUPS:
  /api/branches/*          Stock reads and adjustments
  /api/devices/*           Device branch binding
  /api/cost-allocations    Cost allocation saga
  /metrics                 Prometheus exposition

SECURITY NOTE:
  No authentication middleware. Tenant identity is taken from the request
  body and must be enforced by the fronting gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/stock-ledger/idempotency"
)

// RouterOptions carries the optional parts of the router.
type RouterOptions struct {
	// CORSOrigins defaults to the local dev origins when empty.
	CORSOrigins []string

	// Idempotency disables request de-duplication when nil.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration

	// Metrics exposes /metrics when non-nil.
	Metrics prometheus.Gatherer
}

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotency.HeaderKey},
		ExposedHeaders:   []string{"Idempotent-Replayed"},
		AllowCredentials: true,
	}))

	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(idempotency.Middleware(opts.Idempotency, opts.IdempotencyTTL, h.Log))

		r.Route("/branches", func(r chi.Router) {
			r.Get("/", h.ListBranches)
			r.Get("/{branch}/stock", h.GetStockMap)
			r.Get("/{branch}/stock/{productId}", h.GetStock)
			r.Get("/{branch}/moves", h.ListMoves)
			r.Post("/{branch}/adjustments", h.AdjustSingle)
			r.Post("/{branch}/adjustments/bulk", h.AdjustBulk)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Put("/{deviceId}/branch", h.BindDevice)
			r.Get("/{deviceId}/branch", h.GetDeviceBranch)
		})

		r.Route("/cost-allocations", func(r chi.Router) {
			r.Post("/", h.CreateCostAllocation)
			r.Get("/", h.ListCostAllocations)
		})
	})

	return r
}
