// Package metrics provides Prometheus instrumentation for the launch engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LaunchesTotal counts token launches.
	LaunchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fyrst_launches_total",
		Help: "Total number of token launches",
	})

	// TradesTotal counts trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fyrst_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fyrst_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// GraduationsTotal counts curves that crossed the graduation threshold.
	GraduationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fyrst_graduations_total",
		Help: "Curves graduated off the bonding curve",
	})

	// RugsTotal counts tokens flagged as rugged.
	RugsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fyrst_rugs_total",
		Help: "Tokens flagged as rugged",
	})

	// RefundsTotal counts refund rows by terminal status.
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fyrst_refunds_total",
		Help: "Refunds processed, by outcome",
	}, []string{"status"})

	// VersionConflictsTotal counts optimistic-concurrency retries surfaced
	// to callers.
	VersionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fyrst_version_conflicts_total",
		Help: "Store updates rejected by version check",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fyrst_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// SolPriceUSD is the last SOL/USD price observed from the feed.
	SolPriceUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fyrst_sol_price_usd",
		Help: "Last SOL/USD price from the price feed",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fyrst_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fyrst_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
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
