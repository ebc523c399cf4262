// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsClaimedTotal counts successful claims from the work queue (C2).
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of jobs claimed from the queue",
		},
		[]string{"type"},
	)
	// JobsCompletedTotal counts jobs completed by type.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	// JobsFailedTotal counts jobs that exhausted their retry budget, by type.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs that exhausted retries",
		},
		[]string{"type"},
	)
	// JobsRequeuedTotal counts requeues, labeled by reason (retry|stale_reset|auto_heal).
	JobsRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_requeued_total",
			Help: "Total number of job requeues",
		},
		[]string{"reason"},
	)
	// JobsQueueDepth is a gauge of queued jobs observed at the last successful claim.
	JobsQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_queue_depth",
			Help: "Number of queued jobs observed at the last claim",
		},
	)
	// JobHandlerDuration records stage handler durations by job type.
	JobHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_handler_duration_seconds",
			Help:    "Stage handler duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"type"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRequeuedTotal)
	prometheus.MustRegister(JobsQueueDepth)
	prometheus.MustRegister(JobHandlerDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordClaim increments the claimed-jobs counter and sets the observed queue depth.
func RecordClaim(jobType string, queueDepth int64) {
	JobsClaimedTotal.WithLabelValues(jobType).Inc()
	JobsQueueDepth.Set(float64(queueDepth))
}

// RecordCompleted increments the completed-jobs counter for a job type.
func RecordCompleted(jobType string) {
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

// RecordFailed increments the failed-jobs counter for a job type (retries exhausted).
func RecordFailed(jobType string) {
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

// RecordRequeue increments the requeue counter for a reason (retry|stale_reset|auto_heal).
func RecordRequeue(reason string) {
	JobsRequeuedTotal.WithLabelValues(reason).Inc()
}

// ObserveHandlerDuration records how long a stage handler took to run.
func ObserveHandlerDuration(jobType string, seconds float64) {
	JobHandlerDuration.WithLabelValues(jobType).Observe(seconds)
}
