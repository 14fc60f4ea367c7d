// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// PositionsOpened counts positions opened, partitioned by symbol and side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegame_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"symbol", "side"})

	// PositionsClosed counts positions closed, partitioned by close reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegame_positions_closed_total",
		Help: "Total number of positions closed",
	}, []string{"reason"})

	// OrderRejections counts open/close requests refused by business rules.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegame_order_rejections_total",
		Help: "Orders rejected by validation or business rules",
	}, []string{"reason"})

	// OpenPositions tracks open positions seen by the last monitor cycle.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradegame_open_positions",
		Help: "Number of open positions at the last monitor cycle",
	})

	// MonitorCycleDuration tracks how long one monitor cycle takes.
	MonitorCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradegame_monitor_cycle_duration_seconds",
		Help:    "Monitor cycle duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// MonitorCycleErrors counts per-item failures inside monitor cycles.
	MonitorCycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegame_monitor_item_errors_total",
		Help: "Per-item failures during monitor cycles",
	}, []string{"stage"})

	// PriceFetchFailures counts failed provider fetches after retries.
	PriceFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegame_price_fetch_failures_total",
		Help: "Price fetches that failed after all retries",
	}, []string{"symbol"})

	// SyntheticPrices counts prices served by the synthetic generator.
	SyntheticPrices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegame_synthetic_prices_total",
		Help: "Prices or candles served by the synthetic generator",
	}, []string{"symbol"})

	// NotifyFailures counts notifier delivery failures by sender.
	NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegame_notify_failures_total",
		Help: "Notification deliveries that failed",
	}, []string{"sender"})

	// ConsistencyViolations counts ledger or close-state violations. Any
	// non-zero value needs a human.
	ConsistencyViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegame_consistency_violations_total",
		Help: "Detected ledger or position consistency violations",
	})

	// RankedUsers tracks how many users hold a rank after the last recompute.
	RankedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradegame_ranked_users",
		Help: "Users ranked by the last leaderboard recompute",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradegame_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegame_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradegame_http_request_duration_seconds",
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

		// Use the route pattern for the path label to avoid high cardinality.
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
