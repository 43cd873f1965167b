package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Total number of tasks accepted at the gateway",
		},
	)
	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks that reached completed",
		},
	)
	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks that reached failed",
		},
	)
	TaskHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "task_heartbeats_total",
			Help: "Total number of in_progress heartbeat envelopes published",
		},
	)
	QuotaDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_denied_total",
			Help: "Total number of submissions denied by the daily quota",
		},
	)
	WorkersPresent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_present",
			Help: "Live worker count observed by the last presence sweep",
		},
	)
	AutoscalerDesired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoscaler_desired_workers",
			Help: "Desired worker count set by the last autoscaler run",
		},
	)
	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_backlog_messages",
			Help: "Input queue backlog observed by the last autoscaler run",
		},
	)
)

// InitMetrics registers all metrics; call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksSubmittedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TaskHeartbeatsTotal,
		QuotaDeniedTotal,
		WorkersPresent,
		AutoscalerDesired,
		QueueBacklog,
	)
}

// HTTPMetricsMiddleware records request counts and latency per route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
