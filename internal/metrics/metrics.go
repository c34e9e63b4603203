// Package metrics provides Prometheus metrics for the MorganXMystic server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morganxmystic_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "morganxmystic_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Streaming proxy metrics
	streamBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "morganxmystic_stream_bytes_total",
			Help: "Total bytes proxied from the remote store to clients",
		},
	)

	streamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morganxmystic_streams_total",
			Help: "Total number of streaming responses by outcome",
		},
		[]string{"status"},
	)

	streamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "morganxmystic_streams_active",
			Help: "Number of remote sessions currently held open by streaming responses",
		},
	)

	emptyMediaTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "morganxmystic_stream_empty_media_total",
			Help: "Resolved remote messages that carried no streamable media",
		},
	)

	// Upload pipeline metrics
	uploadJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morganxmystic_upload_jobs_total",
			Help: "Upload jobs by terminal status",
		},
		[]string{"status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "morganxmystic_upload_bytes_total",
			Help: "Total bytes transmitted to the remote store",
		},
	)

	uploadQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "morganxmystic_upload_queue_depth",
			Help: "Upload jobs waiting for a worker",
		},
	)

	uploadRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "morganxmystic_upload_rejected_total",
			Help: "Uploads rejected because the queue was full",
		},
	)

	uploadJobsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "morganxmystic_upload_jobs_tracked",
			Help: "Jobs currently held in the in-memory registry",
		},
	)

	// Export metrics
	exportItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morganxmystic_export_items_total",
			Help: "Items materialized by zip exports by outcome",
		},
		[]string{"result"},
	)

	exportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "morganxmystic_export_duration_seconds",
			Help:    "Time to materialize and archive a bundle",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Remote blob service metrics
	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "morganxmystic_remote_operation_duration_seconds",
			Help:    "Remote blob service operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morganxmystic_remote_operations_total",
			Help: "Total remote blob service operations",
		},
		[]string{"operation", "status"},
	)

	// Storage backend metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "morganxmystic_storage_operation_duration_seconds",
			Help:    "Object storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morganxmystic_storage_operations_total",
			Help: "Total object storage operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morganxmystic_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "morganxmystic_db_query_duration_seconds",
			Help:    "Metadata store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "morganxmystic_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "morganxmystic_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morganxmystic_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Sharing metrics
	shareResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morganxmystic_share_resolutions_total",
			Help: "Share token lookups by kind (item, bundle, miss)",
		},
		[]string{"kind"},
	)

	permissionChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morganxmystic_permission_checks_total",
			Help: "Total permission checks",
		},
		[]string{"result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "morganxmystic_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordStream records the end of one streaming response.
func RecordStream(bytes int64, success bool) {
	streamBytesTotal.Add(float64(bytes))
	streamsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// StreamOpened and StreamClosed track remote sessions held by streaming bodies.
func StreamOpened() { streamsActive.Inc() }

func StreamClosed() { streamsActive.Dec() }

// RecordEmptyMedia counts a resolved message without streamable media.
func RecordEmptyMedia() {
	emptyMediaTotal.Inc()
}

// RecordUploadJob records a job reaching a terminal status.
func RecordUploadJob(status string, bytes int64) {
	uploadJobsTotal.WithLabelValues(status).Inc()
	uploadBytesTotal.Add(float64(bytes))
}

// SetUploadQueueDepth sets the number of queued upload jobs.
func SetUploadQueueDepth(n int) {
	uploadQueueDepth.Set(float64(n))
}

// RecordUploadRejected records an upload refused by backpressure.
func RecordUploadRejected() {
	uploadRejectedTotal.Inc()
}

// SetUploadJobsTracked sets the registry size.
func SetUploadJobsTracked(n int) {
	uploadJobsTracked.Set(float64(n))
}

// RecordExportItem records the outcome of materializing one item.
func RecordExportItem(success bool) {
	result := "ok"
	if !success {
		result = "failed"
	}
	exportItemsTotal.WithLabelValues(result).Inc()
}

// RecordExport records total export duration.
func RecordExport(duration time.Duration) {
	exportDuration.Observe(duration.Seconds())
}

// RecordRemoteOperation records a remote blob service call.
func RecordRemoteOperation(operation string, duration time.Duration, success bool) {
	remoteOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	remoteOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// RecordStorageOperation records an object storage backend call.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, statusLabel(success)).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordShareResolution records a share token lookup.
func RecordShareResolution(kind string) {
	shareResolutionsTotal.WithLabelValues(kind).Inc()
}

// RecordPermissionCheck records a permission check result.
func RecordPermissionCheck(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	permissionChecksTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
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

// Middleware returns HTTP middleware that records request metrics.
// It must wrap the ServeMux directly so the matched pattern is visible
// after the request is served; unmatched requests are labelled "unmatched".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
