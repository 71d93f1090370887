package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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
		Name: "biblio_ready",
		Help: "1 when the last readiness check succeeded.",
	})
)

// Lending metrics
var (
	lendingOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biblio_lending_operations_total",
			Help: "Lending operations by outcome.",
		},
		[]string{"op", "result"},
	)

	lendingOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "biblio_lending_operation_seconds",
			Help:    "Lending operation latency including lock waits and retries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	contentionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biblio_lending_contention_retries_total",
			Help: "Units of work retried after lock or serialization contention.",
		},
		[]string{"op"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biblio_sweep_runs_total",
			Help: "Scheduler sweep executions.",
		},
		[]string{"sweep", "result"},
	)

	sweepItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biblio_sweep_items_total",
			Help: "Loans or reservations acted on by sweeps.",
		},
		[]string{"sweep"},
	)

	notificationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biblio_notifications_failed_total",
			Help: "Notifications that could not be delivered.",
		},
		[]string{"kind"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			lendingOps, lendingOpDuration, contentionRetries,
			sweepRuns, sweepItems, notificationsFailed,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveOperation records one lending operation outcome.
func ObserveOperation(op, result string, d time.Duration) {
	lendingOps.WithLabelValues(op, result).Inc()
	lendingOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ContentionRetry counts one retried unit of work.
func ContentionRetry(op string) {
	contentionRetries.WithLabelValues(op).Inc()
}

// ObserveSweep records a sweep run and the number of items it touched.
func ObserveSweep(sweep string, items int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	sweepRuns.WithLabelValues(sweep, result).Inc()
	if items > 0 {
		sweepItems.WithLabelValues(sweep).Add(float64(items))
	}
}

// NotificationFailed counts a dropped notification.
func NotificationFailed(kind string) {
	notificationsFailed.WithLabelValues(kind).Inc()
}

// Instrument measures request rate, latency and in-flight requests.
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

var collections = map[string]bool{
	"loans":        true,
	"resources":    true,
	"reservations": true,
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if collections[parts[i-1]] && parts[i] != "" {
			parts[i] = ":id"
			i++
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
