package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/embedding"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/memory"
)

// NewRouter creates the Chi router with all routes and middleware.
// embedder may be nil when the provider has no health check.
func NewRouter(
	svc *memory.Service,
	embedder embedding.HealthChecker,
	defaults SearchDefaults,
	apiKey string,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(CORS)
	r.Use(RequestID(logger))
	r.Use(Logger)
	r.Use(Recovery)

	healthH := NewHealthHandler(svc, embedder)
	memoryH := NewMemoryHandler(svc, defaults)

	// Unauthenticated routes
	r.Get("/health", healthH.Health)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", memoryH.Create)
			r.Post("/search", memoryH.Search)
			r.Post("/backfill", memoryH.Backfill)
			r.Get("/{id}", memoryH.Get)
			r.Patch("/{id}", memoryH.Update)
			r.Delete("/{id}", memoryH.Delete)
			r.Get("/{id}/similar", memoryH.Similar)
		})
	})

	return r
}
