// Package metrics provides Prometheus instrumentation for the arena engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerOps counts ledger operations by kind and outcome.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_ledger_ops_total",
		Help: "Ledger operations by kind and result",
	}, []string{"op", "result"})

	// PersistenceFailures counts ledger writes that failed after all retries.
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_persistence_failures_total",
		Help: "Ledger writes that failed after all retry attempts",
	})

	// UnsyncedSessions tracks sessions whose in-memory ledger is ahead of the store.
	UnsyncedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_unsynced_sessions",
		Help: "Sessions with ledger state not yet persisted",
	})

	// Competitors tracks the number of accounts on the leaderboard.
	Competitors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_competitors",
		Help: "Number of accounts in the competition pool",
	})

	// Payouts counts prize payouts.
	Payouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_payouts_total",
		Help: "Competition prize payouts",
	})

	// PriceFetches counts price feed polls by outcome.
	PriceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_price_fetches_total",
		Help: "Price feed polls by result",
	}, []string{"result"})

	// PriceSnapshotAge tracks seconds since the last non-empty price snapshot.
	PriceSnapshotAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_price_snapshot_age_seconds",
		Help: "Age of the latest price snapshot in seconds",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps account IDs out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
