/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for notebooks and dashboards

ROUTE GROUPS:
  /api/vintages, /api/classes   Catalogs
  /api/scales                   Education and establishment-size labels
  /api/tables/*                 Finished tables (JSON or CSV)
  /api/runs/*                   Pipeline runs

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/rais/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Location", "Content-Disposition"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/vintages", h.ListVintages)
		r.Get("/classes", h.ListClasses)
		r.Get("/scales", h.ListScales)

		r.Route("/tables", func(r chi.Router) {
			r.Get("/", h.ListTables)
			r.Get("/base/{region}/{vintage}", h.GetBaseTable)
			r.Get("/{level}/{name}/{vintage}", h.GetClassTable)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.SubmitRun)
			r.Get("/{id}", h.GetRun)
		})
	})

	return r
}
