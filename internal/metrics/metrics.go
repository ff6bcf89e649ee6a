// Package metrics provides Prometheus metrics for the namespace mirror.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker connection metrics
	brokerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsmirror_broker_state",
			Help: "Current broker connection state (0=disconnected .. 6=closed)",
		},
	)

	brokerReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nsmirror_broker_reconnects_total",
			Help: "Total number of scheduled broker reconnects",
		},
	)

	brokerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsmirror_broker_events_total",
			Help: "Total broker notifications by outcome",
		},
		[]string{"result"},
	)

	// Refresh metrics
	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsmirror_refresh_total",
			Help: "Total directory refreshes by outcome",
		},
		[]string{"result"},
	)

	refreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nsmirror_refresh_duration_seconds",
			Help:    "Time to list a directory and apply it to the mirror",
			Buckets: prometheus.DefBuckets,
		},
	)

	refreshDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsmirror_refresh_dropped_total",
			Help: "Refresh requests dropped before fetching",
		},
		[]string{"reason"},
	)

	deltaEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsmirror_delta_entries_total",
			Help: "Entries reported in deltas",
		},
		[]string{"kind"},
	)

	mirrorEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsmirror_mirror_entries",
			Help: "Number of entries tracked by the mirror",
		},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nsmirror_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsmirror_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsmirror_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsmirror_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsmirror_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nsmirror_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBrokerState records the numeric broker connection state.
func SetBrokerState(state int) {
	brokerState.Set(float64(state))
}

// RecordBrokerReconnect counts a scheduled reconnect.
func RecordBrokerReconnect() {
	brokerReconnectsTotal.Inc()
}

// RecordBrokerEvent records the outcome of one inbound notification
// ("dispatched", "filtered", "malformed", "ack_failed").
func RecordBrokerEvent(result string) {
	brokerEventsTotal.WithLabelValues(result).Inc()
}

// RecordRefresh records a completed or failed refresh.
func RecordRefresh(duration time.Duration, success bool) {
	refreshDuration.Observe(duration.Seconds())
	result := "success"
	if !success {
		result = "error"
	}
	refreshTotal.WithLabelValues(result).Inc()
}

// RecordRefreshDropped records a refresh request that was not fetched
// ("coalesced", "queue_full", "stopped").
func RecordRefreshDropped(reason string) {
	refreshDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordDelta records the size of a delta by category.
func RecordDelta(added, updated, removed int) {
	deltaEntriesTotal.WithLabelValues("added").Add(float64(added))
	deltaEntriesTotal.WithLabelValues("updated").Add(float64(updated))
	deltaEntriesTotal.WithLabelValues("removed").Add(float64(removed))
}

// SetMirrorEntries sets the number of tracked entries.
func SetMirrorEntries(n int) {
	mirrorEntries.Set(float64(n))
}

// RecordStorageOperation records a storage backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// routeLabel keeps the first three path segments so per-entry routes such
// as /api/v1/stat/{path...} share one series.
func routeLabel(p string) string {
	parts := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 4)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}
