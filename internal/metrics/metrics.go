// Package metrics provides Prometheus instrumentation for Serial Keel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, for the plain /version and /metrics surface.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "serialkeel_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "serialkeel_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session and unit metrics.
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serialkeel_sessions_active",
		Help: "Number of currently connected client sessions.",
	})

	EndpointsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "serialkeel_endpoints_active",
		Help: "Number of currently registered endpoints, by kind.",
	}, []string{"kind"})

	UnitsControlled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serialkeel_units_controlled",
		Help: "Number of controllable units with a current owner.",
	})

	UnitsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serialkeel_units_queued",
		Help: "Total number of waiters currently queued across all units.",
	})
)

// Line pipe metrics.
var (
	LinesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "serialkeel_lines_published_total",
		Help: "Total number of lines published, by endpoint.",
	}, []string{"endpoint"})

	LinesLaggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serialkeel_lines_lagged_total",
		Help: "Total number of lines dropped for a lagging subscriber.",
	})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serialkeel_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "serialkeel_ws_messages_total",
		Help: "Total number of WebSocket frames sent, by direction.",
	}, []string{"direction"})
)

// HTTPMiddleware returns an http.Handler that records request count
// and duration for every request it wraps. wsserver wraps its whole
// mux with it, so a /client WebSocket request is recorded too, once
// its connection ends; open WebSocket connections are tracked
// separately by WSConnectionsActive.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
