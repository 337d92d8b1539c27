package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Review-pipeline metrics.
var (
	ReviewsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_reviews_started_total",
		Help: "Access reviews started.",
	})

	ReviewsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_reviews_finished_total",
			Help: "Access reviews finished, by terminal status.",
		},
		[]string{"status"},
	)

	ScopesReconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_review_scopes_reconciled_total",
		Help: "Vendor scopes reconciled.",
	})

	ObjectsChanged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_review_objects_changed_total",
			Help: "Account objects transitioned during reconciliation, by new status.",
		},
		[]string{"status"},
	)

	ExtractFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_review_extract_failures_total",
		Help: "Permission extraction failures during reconciliation.",
	})

	ArtifactsRendered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_review_artifacts_rendered_total",
		Help: "Per-account evidence artifacts rendered.",
	})

	ArchivesAssembled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_review_archives_assembled_total",
		Help: "Final audit archives assembled.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		ReviewsStarted, ReviewsCompleted, ScopesReconciled, ObjectsChanged,
		ExtractFailures, ArtifactsRendered, ArchivesAssembled,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the latest readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric cardinality stays
// bounded: /v1/reviews/<uuid> becomes /v1/reviews/:id.
func CanonicalPath(raw string) string {
	if raw == "" {
		return "/"
	}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	parts := strings.Split(raw, "/")
	collapse := func(prefix string, action string) bool {
		if len(parts) < 4 || parts[1] != "v1" || parts[2] != prefix {
			return false
		}
		if len(parts) == 4 {
			parts[3] = ":id"
			return true
		}
		if len(parts) == 5 && parts[4] == action {
			parts[3] = ":id"
			return true
		}
		return false
	}
	switch {
	case collapse("reviews", "cancel"),
		collapse("reviews", "complete"),
		collapse("reviews", "events"),
		collapse("scopes", "reconcile"),
		collapse("scopes", "complete"),
		collapse("scopes", "export"),
		collapse("objects", "reviewed"),
		collapse("objects", "unreviewed"),
		collapse("objects", "attachment"):
	}
	return strings.Join(parts, "/")
}

// statusWriter captures the response code written downstream.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
