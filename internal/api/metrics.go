package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	unmatched = "unmatched"

	// eventStreamRoute is excluded from the duration histogram; an SSE
	// connection lives as long as the job it follows.
	eventStreamRoute = "/v1/jobs/{id}/events"
)

// Manual trigger outcomes.
const (
	manualCompleted = "completed"
	manualFailed    = "failed"
	manualInvalid   = "invalid"
	manualConflict  = "conflict"
	manualFault     = "fault"
)

// requestBuckets span quick ledger reads up to synchronous image runs.
var requestBuckets = []float64{0.005, 0.025, 0.1, 0.5, 2, 5, 15, 30, 60, 120, 300}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageworker_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imageworker_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, event streams excluded.",
			Buckets: requestBuckets,
		},
		[]string{"method", "route"},
	)

	eventStreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imageworker_http_event_streams_active",
		Help: "Open job event streams.",
	})

	manualJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageworker_manual_jobs_total",
			Help: "Jobs run through the manual image endpoints, by outcome.",
		},
		[]string{"action", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, eventStreamsActive, manualJobsTotal)
}

// metricsMiddleware labels requests with the chi route pattern so job IDs
// never become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if route != eventStreamRoute {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// trackEventStream counts an open SSE connection until the returned func runs.
func trackEventStream() func() {
	eventStreamsActive.Inc()
	return eventStreamsActive.Dec
}

func recordManualJob(action, outcome string) {
	manualJobsTotal.WithLabelValues(action, outcome).Inc()
}

// routePattern is read after the handler ran, when chi has filled in the
// full pattern across mounted subrouters.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
