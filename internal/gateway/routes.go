// ABOUTME: HTTP route table for the gateway's downstream surface
// ABOUTME: chi router with auth and rate-limit middleware on the agent endpoints

package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/byoa-gateway/internal/socket"
	"github.com/2389/byoa-gateway/internal/stream"
)

// routes builds the full downstream HTTP surface.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Unauthenticated surface.
	r.Get("/health", g.handleHealth)
	r.Get("/byoa/sse/health", g.handleLiveness)
	r.Method(http.MethodGet, "/metrics", g.metrics.Handler())
	r.Get("/metrics/json", g.handleMetricsJSON)

	// Socket auth happens in-band on the first frame.
	r.Handle("/byoa/ws", socket.NewHandler(g.socketHub, g.registry, g.bridge, g.logger, g.metrics))

	// Bearer-authenticated agent surface.
	r.Group(func(r chi.Router) {
		r.Use(g.authMiddleware())

		r.Method(http.MethodGet, "/byoa/sse/stream",
			stream.NewHandler(g.streamHub, g.store, g.logger))
		r.Get("/byoa/sse/status", g.handleStatus)
		r.Post("/send", g.handleLegacySend)

		r.Group(func(r chi.Router) {
			r.Use(g.limiter.Middleware)
			r.Post("/byoa/sse/messages", g.handleSend)
		})
	})

	return r
}
