// Package metrics provides Prometheus instrumentation for the trading
// state core.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QuotesApplied counts quotes that changed the price board, by source.
	QuotesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_quotes_applied_total",
		Help: "Quotes applied to the price board",
	}, []string{"source"})

	// QuotesIgnored counts quotes that were older than the board or malformed.
	QuotesIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_quotes_ignored_total",
		Help: "Quotes ignored by the price board",
	}, []string{"source"})

	// MessagesDropped counts push messages that could not be decoded.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_messages_dropped_total",
		Help: "Push messages dropped as malformed",
	}, []string{"reason"})

	// Notifications counts notification outcomes by kind.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_notifications_total",
		Help: "Notification events by kind and outcome",
	}, []string{"kind", "outcome"})

	// CloseRequests counts individual close requests by outcome.
	CloseRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_close_requests_total",
		Help: "Close requests issued by the batch orchestrator",
	}, []string{"outcome"})

	// CloseBatchDuration tracks how long a whole batch takes to settle.
	CloseBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradestate_close_batch_duration_seconds",
		Help:    "Close batch latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"predicate"})

	// PollErrors counts failed poll requests by what was polled.
	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_poll_errors_total",
		Help: "Failed poll requests",
	}, []string{"source"})

	// LockActive is 1 while the trading lock is active.
	LockActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradestate_lock_active",
		Help: "Whether the trading lock is active",
	})

	// Equity is the last derived account equity.
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradestate_account_equity",
		Help: "Derived account equity (advisory)",
	})

	// MarginLevel is the last derived margin level in percent.
	MarginLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradestate_account_margin_level",
		Help: "Derived margin level in percent (advisory)",
	})

	// HTTPRequestsTotal counts API requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradestate_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradestate_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// WebSocketClients tracks connected presentation clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradestate_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
