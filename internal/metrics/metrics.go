package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orca_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orca_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orca_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orca_sessions_active",
		Help: "Number of schedule sessions currently registered.",
	})

	sessionMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orca_session_messages_total",
		Help: "Inbound session messages by action and response status.",
	}, []string{"action", "status"})

	broadcastRecipients = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orca_broadcast_recipients",
		Help:    "Number of sessions receiving each accepted mutation.",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	slowClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orca_slow_clients_dropped_total",
		Help: "Sessions disconnected because their send queue overflowed.",
	})

	bookmarkFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orca_bookmark_flush_failures_total",
		Help: "Bookmarks that could not be persisted on disconnect.",
	})
)

// Middleware records request metrics and labels the context for downstream DB instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithRoute(r.Context(), routePattern(r))

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			// Upgraded websockets report status 0 once hijacked; count them as 101.
			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusSwitchingProtocols
			}
			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WithRoute labels ctx so DB latency is attributed to route.
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeLabelKey, route)
}

// ObserveDBLatency records database latency for a given operation, associating it with the route label when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

func SessionOpened() { sessionsActive.Inc() }
func SessionClosed() { sessionsActive.Dec() }

func ObserveMessage(action string, status int) {
	sessionMessages.WithLabelValues(action, strconv.Itoa(status)).Inc()
}

func ObserveBroadcast(recipients int) {
	broadcastRecipients.Observe(float64(recipients))
}

func BookmarkFlushFailed() { bookmarkFlushFailures.Inc() }

func SlowClientDropped() { slowClientsDropped.Inc() }

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
