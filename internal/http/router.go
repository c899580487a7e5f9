package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/jw6ventures/orca/internal/config"
	"github.com/jw6ventures/orca/internal/http/ratelimit"
	"github.com/jw6ventures/orca/internal/metrics"
	"github.com/jw6ventures/orca/internal/session"
	"github.com/jw6ventures/orca/internal/store"
)

// NewRouter wires health, metrics, schedule provisioning and the schedule
// websocket endpoint.
func NewRouter(cfg *config.Config, store *store.Store, hub *session.Hub) http.Handler {
	r := chi.NewRouter()

	connectLimiter := ratelimit.NewIPRateLimiter(rate.Limit(cfg.WS.ConnectRate), cfg.WS.ConnectBurst, 5*time.Minute, cfg.TrustedProxies)
	schedules := newScheduleHandler(store, hub, cfg.WS.IdleTimeout)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if hub.Closing() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Route("/v1/schedule", func(r chi.Router) {
		r.Post("/", schedules.Create)
		r.Get("/{scheduleID}", schedules.Get)
		r.With(connectLimiter.Middleware()).Get("/{scheduleID}/{clientID}", schedules.Connect)
	})

	return r
}
