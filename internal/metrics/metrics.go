// Package metrics provides Prometheus instrumentation for the chain engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts AMM buys, partitioned by side and source
	// (direct, chain_open, chain_extend).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_trades_total",
		Help: "Total number of AMM buys executed",
	}, []string{"side", "source"})

	// OperationLatency tracks engine mutation latency including persistence.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// OperationErrors counts rejected or failed engine operations.
	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_operation_errors_total",
		Help: "Engine operations that returned an error",
	}, []string{"operation"})

	// ActiveOpportunities tracks the number of unresolved opportunities.
	ActiveOpportunities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_active_opportunities",
		Help: "Number of currently unresolved opportunities",
	})

	ChainsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_chains_created_total",
		Help: "Position chains opened",
	})

	ChainExtensions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_chain_extensions_total",
		Help: "Links appended to position chains",
	})

	// Liquidations counts liquidations by kind (partial or full).
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_liquidations_total",
		Help: "Chain liquidations executed",
	}, []string{"kind"})

	LiquidatedPositions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_liquidated_positions_total",
		Help: "Chain links unwound by liquidation",
	})

	// Deficits counts liquidations whose recovered value did not cover debt plus penalty.
	Deficits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_liquidation_deficits_total",
		Help: "Liquidations that recorded a shortfall",
	})

	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_resolutions_total",
		Help: "Opportunities resolved, by outcome",
	}, []string{"outcome"})

	Claims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_claims_total",
		Help: "Winnings claimed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests rejected by the per-client limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records the latency and outcome of one engine operation.
func ObserveOperation(op string, start time.Time, err error) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		OperationErrors.WithLabelValues(op).Inc()
	}
}

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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
