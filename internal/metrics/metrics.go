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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebell_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carebell_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	tasksScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebell_tasks_scheduled_total",
			Help: "Total delayed tasks scheduled by target",
		},
		[]string{"target"},
	)

	tasksFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebell_tasks_fired_total",
			Help: "Total delayed tasks fired by target",
		},
		[]string{"target"},
	)

	taskFireLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carebell_task_fire_lag_seconds",
			Help:    "Delay between a task's fire time and its handler invocation",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"target"},
	)

	ringsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebell_rings_sent_total",
			Help: "Reminder rings pushed to the parent, by ring number",
		},
		[]string{"ring"},
	)

	escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebell_escalations_total",
			Help: "Caregiver escalations by kind (missed, dismissed)",
		},
		[]string{"kind"},
	)

	actions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebell_actions_total",
			Help: "User actions on reminders by type",
		},
		[]string{"action"},
	)

	dispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebell_dispatch_failures_total",
			Help: "Push dispatch failures by channel",
		},
		[]string{"channel"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebell_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"user_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTaskScheduled records a delayed task being persisted
func RecordTaskScheduled(target string) {
	tasksScheduled.WithLabelValues(target).Inc()
}

// RecordTaskFired records a delayed task handler invocation
func RecordTaskFired(target string) {
	tasksFired.WithLabelValues(target).Inc()
}

// RecordTaskFireLag records how late after its fire time a task ran
func RecordTaskFireLag(target string, lag time.Duration) {
	taskFireLag.WithLabelValues(target).Observe(lag.Seconds())
}

// RecordRingSent records a reminder push to the parent
func RecordRingSent(ring int) {
	ringsSent.WithLabelValues(strconv.Itoa(ring)).Inc()
}

// RecordEscalation records a caregiver escalation
func RecordEscalation(kind string) {
	escalations.WithLabelValues(kind).Inc()
}

// RecordAction records a user action on a reminder
func RecordAction(action string) {
	actions.WithLabelValues(action).Inc()
}

// RecordDispatchFailure records a failed push delivery attempt
func RecordDispatchFailure(channel string) {
	dispatchFailures.WithLabelValues(channel).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(userID string) {
	rateLimitRejections.WithLabelValues(userID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
