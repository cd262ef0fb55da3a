package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts HTTP requests passing through Middleware; the
	// CSMS mounts Middleware on its WebSocket upgrade endpoint only.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocppws_http_requests_total",
			Help: "Total number of HTTP requests recorded by the metrics middleware",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks HTTP request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocppws_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ConnectionsActive tracks currently open station connections.
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ocppws_connections_active",
			Help: "Number of currently open station connections",
		},
		[]string{"variant"},
	)

	// ConnectionsTotal counts upgrade attempts by outcome.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocppws_connections_total",
			Help: "Total number of WebSocket upgrade attempts",
		},
		[]string{"variant", "outcome"},
	)

	// MessagesTotal counts OCPP-J frames by direction and type.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocppws_messages_total",
			Help: "Total number of OCPP-J frames processed",
		},
		[]string{"direction", "frame_type"},
	)

	// PendingCalls tracks CALL frames awaiting a CALLRESULT/CALLERROR.
	PendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocppws_pending_calls",
			Help: "Number of CALL frames awaiting a response across all connections",
		},
	)

	// BadMessagesTotal counts frames rejected by the validator or RPC
	// engine, labeled by the resulting OCPP error code.
	BadMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocppws_bad_messages_total",
			Help: "Total number of frames rejected before dispatch",
		},
		[]string{"error_code"},
	)

	// ConnectionsEvicted counts session bags evicted from the session
	// LRU on capacity overflow (a live connection for that identity is
	// closed with it). Duplicate-identity replacements are not counted.
	ConnectionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocppws_connections_evicted_total",
			Help: "Total number of sessions evicted from the session cache on capacity overflow",
		},
	)

	// HandlerDuration tracks how long a registered action handler took.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocppws_handler_duration_seconds",
			Help:    "Action handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// ParsePoolQueueDepth tracks the parse worker pool's queue depth.
	ParsePoolQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocppws_parse_pool_queue_depth",
			Help: "Current depth of the off-thread parse/validate queue",
		},
	)

	// RateLimitRejections counts connection attempts rejected by the
	// upgrade-time rate limiter.
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ocppws_rate_limit_rejections_total",
			Help: "Total number of connection attempts rejected by the rate limiter",
		},
	)

	// ClusterCallsTotal counts RPC calls routed through the cluster
	// adapter because the target station was on another node.
	ClusterCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocppws_cluster_calls_total",
			Help: "Total number of calls relayed through the cluster adapter",
		},
		[]string{"outcome"},
	)

	// SessionCacheSize tracks the size of the in-memory session LRU.
	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocppws_session_cache_size",
			Help: "Current number of entries in the session LRU cache",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for handlers that stream.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so handlers that upgrade the
// connection (e.g. WebSocket upgrades) still work through this
// wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

// Middleware creates an HTTP middleware that records request metrics
// for the handler it wraps. The CSMS wraps only its WebSocket upgrade
// handler with it; /health, /ready and /metrics keep their own path
// label, and every other path is recorded as "other".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality from
// per-station identity segments.
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/metrics":
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordConnectionOpened increments the active-connection gauge and the
// upgrade-attempt counter for a successful upgrade.
func RecordConnectionOpened(variant string) {
	ConnectionsActive.WithLabelValues(variant).Inc()
	ConnectionsTotal.WithLabelValues(variant, "accepted").Inc()
}

// RecordConnectionRejected records an upgrade attempt that did not
// succeed, without affecting the active-connection gauge.
func RecordConnectionRejected(variant, reason string) {
	ConnectionsTotal.WithLabelValues(variant, reason).Inc()
}

// RecordConnectionClosed decrements the active-connection gauge.
func RecordConnectionClosed(variant string) {
	ConnectionsActive.WithLabelValues(variant).Dec()
}

// RecordMessage records one OCPP-J frame crossing the wire.
func RecordMessage(direction, frameType string) {
	MessagesTotal.WithLabelValues(direction, frameType).Inc()
}

// RecordBadMessage records a frame rejected before dispatch.
func RecordBadMessage(errorCode string) {
	BadMessagesTotal.WithLabelValues(errorCode).Inc()
}

// RecordEviction records one session evicted from the session LRU.
func RecordEviction() {
	ConnectionsEvicted.Inc()
}

// RecordHandlerDuration records how long an action handler took to run.
func RecordHandlerDuration(action string, durationSeconds float64) {
	HandlerDuration.WithLabelValues(action).Observe(durationSeconds)
}

// SetParsePoolQueueDepth sets the current parse pool queue depth.
func SetParsePoolQueueDepth(depth float64) {
	ParsePoolQueueDepth.Set(depth)
}

// RecordRateLimitRejection records a connection attempt rejected by the
// upgrade-time rate limiter.
func RecordRateLimitRejection() {
	RateLimitRejections.Inc()
}

// RecordClusterCall records a call relayed through the cluster adapter.
func RecordClusterCall(outcome string) {
	ClusterCallsTotal.WithLabelValues(outcome).Inc()
}

// SetPendingCalls sets the current count of in-flight CALL frames.
func SetPendingCalls(count float64) {
	PendingCalls.Set(count)
}

// SetSessionCacheSize sets the current session LRU size.
func SetSessionCacheSize(count float64) {
	SessionCacheSize.Set(count)
}
