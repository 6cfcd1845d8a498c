package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxUploadBodyBytes bounds POST /sync/upload bodies.
const maxUploadBodyBytes = 32 << 20

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Use(DeviceMiddleware)

			r.With(middleware.RequestSize(maxUploadBodyBytes)).Post("/sync/upload", h.SyncUpload)
			r.Get("/sync/download", h.SyncDownload)
			r.Get("/sync/status", h.SyncStatus)
			r.Get("/sync/history", h.SyncHistory)
			r.Get("/sync/stats", h.SyncStats)
			r.Get("/sync/snapshot", h.Snapshot)
		})
	})

	return r
}
