// Package metrics provides Prometheus metrics for preview orchestration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reload outcomes used as the "result" label.
const (
	ReloadFast   = "fast"
	ReloadFull   = "full"
	ReloadStale  = "stale"
	ReloadFailed = "failed"
)

var (
	// Reload metrics
	reloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grove_preview_reloads_total",
			Help: "Total preview reloads by outcome",
		},
		[]string{"result"},
	)

	reloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grove_preview_reload_duration_seconds",
			Help:    "Preview reload duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"result"},
	)

	// Batching metrics
	batchFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grove_preview_batch_flushes_total",
			Help: "Total batched mount calls",
		},
	)

	batchPathsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grove_preview_batch_paths_total",
			Help: "Total distinct paths carried by batched mounts",
		},
	)

	batchDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grove_preview_batch_discarded_total",
			Help: "Total buffered writes dropped by project switches",
		},
	)

	// Generation metrics
	generationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grove_preview_generation_events_total",
			Help: "Total generation events consumed",
		},
		[]string{"type"},
	)

	generationTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grove_preview_generation_turns_total",
			Help: "Total generation turns by terminal state",
		},
		[]string{"state"},
	)

	// Backend metrics
	backendExecTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grove_preview_backend_exec_total",
			Help: "Total backend commands by backend and exit status",
		},
		[]string{"backend", "status"},
	)

	backendBootRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grove_preview_backend_boot_retries_total",
			Help: "Total boot-and-retry recoveries from a not-initialized backend",
		},
	)

	// Companion server metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grove_preview_companion_http_requests_total",
			Help: "Total companion HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grove_preview_companion_http_request_duration_seconds",
			Help:    "Companion HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	sseStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grove_preview_companion_exec_streams_active",
			Help: "Number of open exec-stream connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordReload records one reload call and its duration.
func RecordReload(result string, duration time.Duration) {
	reloadsTotal.WithLabelValues(result).Inc()
	reloadDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordBatchFlush records a batched mount carrying paths distinct paths.
func RecordBatchFlush(paths int) {
	batchFlushesTotal.Inc()
	batchPathsTotal.Add(float64(paths))
}

// RecordBatchDiscard records buffered writes dropped without delivery.
func RecordBatchDiscard(paths int) {
	batchDiscardedTotal.Add(float64(paths))
}

// RecordGenerationEvent counts one consumed event.
func RecordGenerationEvent(eventType string) {
	generationEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordGenerationTurn counts a finished turn ("result", "error" or "cancelled").
func RecordGenerationTurn(state string) {
	generationTurnsTotal.WithLabelValues(state).Inc()
}

// RecordExec records a backend command exit.
func RecordExec(backend string, exitCode int) {
	status := "ok"
	if exitCode != 0 {
		status = "fail"
	}
	backendExecTotal.WithLabelValues(backend, status).Inc()
}

// RecordBootRetry counts a not-initialized recovery.
func RecordBootRetry() {
	backendBootRetriesTotal.Inc()
}

// RecordHTTPRequest records a companion HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ExecStreamOpened tracks an open exec-stream; call the returned func on close.
func ExecStreamOpened() func() {
	sseStreamsActive.Inc()
	return sseStreamsActive.Dec
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
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
