// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// ShortsOpened counts short positions opened.
	ShortsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedgemark_shorts_opened_total",
		Help: "Total number of short positions opened",
	})

	// ShortsClosed counts short positions closed, partitioned by outcome.
	ShortsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgemark_shorts_closed_total",
		Help: "Total number of short positions closed",
	}, []string{"outcome"}) // profit, loss, flat

	// MetricsSubmitted counts prediction metrics created.
	MetricsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedgemark_metrics_submitted_total",
		Help: "Total number of prediction metrics submitted",
	})

	// StakesPlaced counts stakes, partitioned by side.
	StakesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgemark_stakes_placed_total",
		Help: "Total number of stakes placed",
	}, []string{"side"})

	// MetricsResolved counts resolutions, partitioned by winning side.
	MetricsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgemark_metrics_resolved_total",
		Help: "Total number of metrics resolved",
	}, []string{"winner"})

	// RewardsDistributed accumulates reward value paid to winners.
	RewardsDistributed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedgemark_rewards_distributed_total",
		Help: "Cumulative reward value distributed to winning stakers",
	})

	// OracleRejections counts validated-price failures by reason.
	OracleRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgemark_oracle_rejections_total",
		Help: "Oracle quotes rejected during validation",
	}, []string{"reason"}) // invalid, stale

	// TransferFailures counts payout transfers that aborted an operation.
	TransferFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedgemark_transfer_failures_total",
		Help: "Payout transfers that failed and aborted their operation",
	})

	// WebSocketClients tracks connected audit-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedgemark_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgemark_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedgemark_http_request_duration_seconds",
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

		// Use the route pattern for the path label so parameterized routes
		// like /metrics/{metricID} stay one series. The pattern is filled in
		// by the router, so it is read after the handler ran.
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
