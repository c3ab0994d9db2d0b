package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the health check and all /api/v1 routes on the
// given chi router. Middlewares in apiMiddleware apply to /api/v1 only.
func MountRoutes(r chi.Router, h *Handlers, apiMiddleware ...func(http.Handler) http.Handler) {
	r.Get("/health", h.HandleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiMiddleware...)

		// Runs
		r.Post("/runs", h.CreateRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/steps", h.ListSteps)
		r.Get("/runs/{id}/timeline", h.GetTimeline)
		r.Get("/runs/{id}/stream", h.StreamTimeline)
		r.Get("/runs/{id}/artifacts", h.ListArtifacts)
		r.Get("/runs/{id}/gates", h.ListGates)
		r.Post("/runs/{id}/cancel", h.CancelRun)

		// Steps
		r.Post("/steps/{id}/retry", h.RetryStep)

		// Gates
		r.Post("/gates/{id}/approve", h.ApproveGate)
	})
}
