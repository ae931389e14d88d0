package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all handlers.
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
		Help: "1 when the readiness probe last succeeded, 0 otherwise.",
	})
)

// Allocation-domain metrics.
var (
	requestDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alloc_request_decisions_total",
			Help: "Allocation request lifecycle outcomes.",
		},
		[]string{"outcome"}, // submitted | approved | rejected | expired
	)

	resourceAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alloc_resource_available_units",
			Help: "Available units per resource type.",
		},
		[]string{"resource"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		requestDecisions, resourceAvailable,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the latest readiness verdict.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// RecordDecision counts an allocation request outcome.
func RecordDecision(outcome string) {
	requestDecisions.WithLabelValues(outcome).Inc()
}

// SetResourceAvailable publishes the available quantity of a resource type.
func SetResourceAvailable(resourceID int64, available int64) {
	resourceAvailable.WithLabelValues(strconv.FormatInt(resourceID, 10)).Set(float64(available))
}

// Instrument measures RPS, latency and in-flight count for the wrapped handler.
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

// CanonicalPath collapses per-entity path segments so metric labels keep a
// bounded cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	if len(parts) < 4 || parts[1] != "v1" || parts[3] == "" {
		return path
	}
	switch parts[2] {
	case "resources", "requests", "actors":
	default:
		return path
	}
	switch {
	case len(parts) == 4:
	case len(parts) == 5 && knownSubresource[parts[4]]:
	default:
		return path
	}
	parts[3] = ":id"
	return strings.Join(parts, "/")
}

var knownSubresource = map[string]bool{
	"history":   true,
	"price":     true,
	"lock":      true,
	"unlock":    true,
	"approve":   true,
	"reject":    true,
	"balance":   true,
	"holdings":  true,
	"role":      true,
	"blacklist": true,
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
