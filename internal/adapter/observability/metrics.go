package observability

import (
	"net/http"
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

	ArchiveCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_calls_total",
			Help: "Total number of archive API calls by api_type and outcome",
		},
		[]string{"api_type", "status"},
	)
	ArchiveCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archive_call_duration_seconds",
			Help:    "Archive API call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"api_type"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM requests by outcome",
		},
		[]string{"status"},
	)
	LLMRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of task messages enqueued",
		},
		[]string{"stage"},
	)
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of tasks currently processing",
		},
		[]string{"stage"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of stage runs completed",
		},
		[]string{"stage"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of stage runs failed",
		},
		[]string{"stage"},
	)
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stage_duration_seconds",
			Help:    "Stage handler duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"stage"},
	)

	EmailsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total number of notification emails by outcome",
		},
		[]string{"status"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ArchiveCallsTotal)
	prometheus.MustRegister(ArchiveCallDuration)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(EmailsSentTotal)
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

func EnqueueTask(stage string) {
	TasksEnqueuedTotal.WithLabelValues(stage).Inc()
}

func StartProcessingTask(stage string) {
	TasksProcessing.WithLabelValues(stage).Inc()
}

func CompleteTask(stage string, dur time.Duration) {
	TasksProcessing.WithLabelValues(stage).Dec()
	TasksCompletedTotal.WithLabelValues(stage).Inc()
	StageDuration.WithLabelValues(stage).Observe(dur.Seconds())
}

func FailTask(stage string, dur time.Duration) {
	TasksProcessing.WithLabelValues(stage).Dec()
	TasksFailedTotal.WithLabelValues(stage).Inc()
	StageDuration.WithLabelValues(stage).Observe(dur.Seconds())
}

// ObserveArchiveCall records the outcome of one outbound archive call set.
func ObserveArchiveCall(apiType, status string, dur time.Duration) {
	ArchiveCallsTotal.WithLabelValues(apiType, status).Inc()
	ArchiveCallDuration.WithLabelValues(apiType).Observe(dur.Seconds())
}

// ObserveLLMCall records the outcome of one LLM chat completion.
func ObserveLLMCall(status string, dur time.Duration) {
	LLMRequestsTotal.WithLabelValues(status).Inc()
	LLMRequestDuration.Observe(dur.Seconds())
}

// ObserveEmail records a notification send outcome.
func ObserveEmail(status string) {
	EmailsSentTotal.WithLabelValues(status).Inc()
}
