package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	dispatchLimit := NewRateLimiter(5, 10)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Runs
		r.With(dispatchLimit.Handler).Post("/runs", h.StartRun)
		r.Get("/runs/{id}", h.GetRun)

		// Sandbox callbacks (bearer token auth, per run)
		r.Post("/runs/{id}/calls", h.HandleToolCall)
		r.Post("/runs/{id}/complete", h.CompleteRun)

		// Approvals
		r.Get("/approvals/{id}", h.GetApproval)
		r.Post("/approvals/{id}/resolve", h.ResolveApproval)
	})
}
