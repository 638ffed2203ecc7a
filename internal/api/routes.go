package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS and rate limiting - configured from main
	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Plain HTTP endpoints get a response timeout; the WebSocket routes
	// below must stay outside it.
	r.Group(func(r chi.Router) {
		r.Use(m.Timeout(15 * time.Second))

		r.Get("/healthz", h.Healthz)
		r.Get("/readyz", h.Readyz)
		r.Handle("/metrics", h.metricsHandler)
	})

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		// Partner frame bridge
		r.Get("/connect", h.bridge.ServeHTTP)

		// Wallet UI surface
		r.Get("/ui", h.surface.ServeHTTP)
	})

	return r
}
