// Package api assembles the HTTP router for the AgentMart query engine.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentmart/agentmart/query-engine/internal/api/handlers"
	"github.com/agentmart/agentmart/query-engine/internal/api/middleware"
	"github.com/agentmart/agentmart/query-engine/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Tenant-Id", "X-User-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info — open, no tenant identity required
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))

	// API v1 — tenant identity required
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.TenantExtractor)
		r.Use(middleware.Telemetry)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Put("/", h.UpdateAgent)
				r.Delete("/", h.DeleteAgent)
				r.Post("/query", h.SubmitQuery)
			})
		})

		r.Get("/usage", h.GetUsage)

		r.Route("/interactions", func(r chi.Router) {
			r.Get("/", h.ListInteractions)
			r.Route("/{interactionID}", func(r chi.Router) {
				r.Get("/", h.GetInteraction)
				r.Post("/feedback", h.SubmitFeedback)
			})
		})

		// Billing collaborator surface
		r.Post("/tenants", h.CreateTenant)
		r.Post("/tenants/{tenantID}/reset-period", h.ResetPeriod)
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentmart-query-engine",
		})
	}
}
