// Package api serves the coordinator over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/txcoord/txcoord/config"
	"github.com/txcoord/txcoord/pkg/api/handlers"
	"github.com/txcoord/txcoord/pkg/api/middleware"
	"github.com/txcoord/txcoord/pkg/logger"
)

// Handlers holds the HTTP handlers. Nil handlers leave their routes out.
type Handlers struct {
	Saga        *handlers.SagaHandler
	TwoPC       *handlers.TwoPCHandler
	Transaction *handlers.TransactionHandler
	Health      *handlers.HealthHandler
	Events      *handlers.WebSocketHandler

	// MetricsHandler is mounted on the metrics path when set.
	MetricsHandler http.Handler
	// Metrics records per-request metrics when set.
	Metrics middleware.MetricsRecorder
}

// NewRouter creates the chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics, cfg.Metrics.Path))
	}
	r.Use(middleware.CORS(&cfg.Server.CORS))

	RegisterRoutes(r, cfg, h)
	return r
}

// RegisterRoutes registers all routes. The request timeout applies to the
// API group only; the event stream is long-lived.
func RegisterRoutes(r chi.Router, cfg *config.Config, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.Events != nil {
			r.Get("/events", h.Events.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

			if h.Saga != nil {
				r.Post("/sagas", h.Saga.Submit)
				r.Post("/sagas/plan", h.Saga.Plan)
			}
			if h.TwoPC != nil {
				r.Post("/twopc", h.TwoPC.Submit)
			}
			if h.Transaction != nil {
				r.Get("/transactions", h.Transaction.List)
				r.Get("/transactions/{id}", h.Transaction.Get)
				r.Post("/transactions/{id}/abort", h.Transaction.Abort)
			}
		})
	})

	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}

	if h.MetricsHandler != nil {
		r.Handle(cfg.Metrics.Path, h.MetricsHandler)
	}
}
