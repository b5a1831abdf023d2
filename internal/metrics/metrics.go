// Package metrics provides Prometheus instrumentation for the capital engine.
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
	"github.com/shopspring/decimal"
)

var (
	// LedgerOpsTotal counts ledger operations by operation and outcome
	// (ok, rejected, failed).
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_ledger_ops_total",
		Help: "Total ledger operations by outcome",
	}, []string{"op", "outcome"})

	// LedgerOpLatency tracks store round-trip latency per operation.
	LedgerOpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capital_ledger_op_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TradesTotal counts trades applied to pools, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_trades_total",
		Help: "Total number of trades applied to pools",
	}, []string{"coin", "side"})

	// PoolCash tracks the uninvested cash of each pool after the last write.
	PoolCash = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capital_pool_cash",
		Help: "Uninvested cash per pool",
	}, []string{"coin"})

	// PoolNetDeposits tracks total deposits minus withdrawals per pool.
	PoolNetDeposits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capital_pool_net_deposits",
		Help: "Net deposits per pool",
	}, []string{"coin"})

	// ResetStepFailures counts failed steps of coin resets.
	ResetStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_reset_step_failures_total",
		Help: "Failed coin reset steps",
	}, []string{"step"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capital_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capital_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOp records the outcome and latency of one ledger operation.
func ObserveOp(op, outcome string, start time.Time) {
	LedgerOpsTotal.WithLabelValues(op, outcome).Inc()
	LedgerOpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetPool publishes a pool's cash and net deposits.
func SetPool(coin string, cash, netDeposits decimal.Decimal) {
	PoolCash.WithLabelValues(coin).Set(cash.InexactFloat64())
	PoolNetDeposits.WithLabelValues(coin).Set(netDeposits.InexactFloat64())
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
