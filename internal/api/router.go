/**
 * @description
 * This file sets up the HTTP router for the orchard-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// OrchardRoutes creates and returns a new router for the orchard service.
func OrchardRoutes(h *OrchardHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public browse endpoints.
	r.Get("/orchards", h.ListOrchardsHandler)
	r.Get("/orchards/{orchardID}", h.GetOrchardHandler)
	r.Get("/orchards/{orchardID}/snapshot", h.SnapshotHandler)
	r.Get("/analytics/categories", h.CategoryAnalyticsHandler)
	r.Get("/analytics/trends", h.TrendsHandler)
	r.Get("/analytics/rankings", h.RankingsHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/orchards", h.CreateOrchardHandler)
		r.Patch("/orchards/{orchardID}", h.UpdateOrchardHandler)
		r.Post("/orchards/{orchardID}/reserve", h.ReservePocketsHandler)
		r.Post("/orchards/{orchardID}/pause", h.PauseOrchardHandler)
		r.Post("/orchards/{orchardID}/resume", h.ResumeOrchardHandler)
		r.Post("/orchards/{orchardID}/cancel", h.CancelOrchardHandler)

		r.Get("/bestowals", h.ListBestowalsHandler)
		r.Post("/bestowals/{bestowalID}/confirm", h.ConfirmBestowalHandler)
		r.Post("/bestowals/{bestowalID}/cancel", h.CancelBestowalHandler)
	})

	return r
}
