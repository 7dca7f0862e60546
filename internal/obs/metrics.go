package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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
		Help: "1 when the readiness probe last succeeded.",
	})

	requestsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blood_requests_created_total",
			Help: "Blood requests posted, by urgency.",
		},
		[]string{"urgency"},
	)

	donationsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donations_scheduled_total",
			Help: "Donation appointments scheduled. linked=true when tied to a blood request.",
		},
		[]string{"linked"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, ready, requestsCreated, donationsScheduled)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the most recent readiness probe outcome.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// CountRequestCreated increments the blood-request counter.
func CountRequestCreated(urgency string) {
	requestsCreated.WithLabelValues(urgency).Inc()
}

// CountDonationScheduled increments the appointment counter.
func CountDonationScheduled(linked bool) {
	donationsScheduled.WithLabelValues(strconv.FormatBool(linked)).Inc()
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

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if path == "/v1/blood-requests/stream" {
		return path
	}
	for prefix, pattern := range map[string]string{
		"/v1/blood-requests/bloodbank/": "/v1/blood-requests/bloodbank/:id",
		"/v1/donations/donor/":          "/v1/donations/donor/:id",
	} {
		if rest := strings.TrimPrefix(path, prefix); rest != path && rest != "" && !strings.Contains(rest, "/") {
			return pattern
		}
	}
	for _, root := range []string{"/v1/blood-requests", "/v1/donations"} {
		rest := strings.TrimPrefix(path, root+"/")
		if rest == path || rest == "" {
			continue
		}
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) == 1:
			return root + "/:id"
		case len(parts) == 2:
			return root + "/:id/" + parts[1]
		}
	}
	return path
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
