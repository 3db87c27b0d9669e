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

	JobsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_started_total",
			Help: "Total number of jobs handed to a handler",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed back to the engine",
		},
		[]string{"type"},
	)
	JobsBpmnErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_bpmn_errors_total",
			Help: "Total number of jobs ended with a BPMN error",
		},
		[]string{"type"},
	)
	JobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Number of jobs currently being handled",
		},
		[]string{"type"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 180, 600, 1800, 3600},
		},
		[]string{"type"},
	)

	EngineReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_reconnects_total",
			Help: "Total number of gateway transport rebuilds",
		},
	)
	MessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_published_total",
			Help: "Total number of BPMN messages published by name and status",
		},
		[]string{"name", "status"},
	)
	SSHCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssh_commands_total",
			Help: "Total number of remote commands by host and status",
		},
		[]string{"host", "status"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsStartedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsBpmnErrorsTotal)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(EngineReconnectsTotal)
	prometheus.MustRegister(MessagesPublishedTotal)
	prometheus.MustRegister(SSHCommandsTotal)
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
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// StartJob marks a job as handed to its handler.
func StartJob(jobType string) {
	JobsStartedTotal.WithLabelValues(jobType).Inc()
	JobsInFlight.WithLabelValues(jobType).Inc()
}

// CompleteJob marks a job as completed.
func CompleteJob(jobType string, took time.Duration) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType).Observe(took.Seconds())
}

// FailJob marks a job as failed back to the engine for a retry.
func FailJob(jobType string, took time.Duration) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType).Observe(took.Seconds())
}

// BpmnErrorJob marks a job as ended with a BPMN error.
func BpmnErrorJob(jobType string, took time.Duration) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobsBpmnErrorsTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType).Observe(took.Seconds())
}
