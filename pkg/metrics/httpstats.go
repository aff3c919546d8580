package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPStats tracks API traffic through client_golang vectors. Scraping
// happens via the collector, which gathers the default registry.
type HTTPStats struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	bytesTransferred *prometheus.CounterVec
	inFlight         prometheus.Gauge
}

// NewHTTPStats registers the traffic vectors with the default registry
func NewHTTPStats() *HTTPStats {
	return NewHTTPStatsWithRegistry(prometheus.DefaultRegisterer)
}

// NewHTTPStatsWithRegistry registers against a caller-owned registry,
// which keeps tests independent of process-global state.
func NewHTTPStatsWithRegistry(reg prometheus.Registerer) *HTTPStats {
	s := &HTTPStats{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderflow_http_requests_total",
				Help: "API requests by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renderflow_http_request_duration_seconds",
				Help:    "API request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		bytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderflow_http_bytes_total",
				Help: "Bytes through the API by direction",
			},
			[]string{"direction", "route"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "renderflow_http_in_flight_requests",
				Help: "Requests currently being served",
			},
		),
	}

	reg.MustRegister(s.requestsTotal, s.requestDuration, s.bytesTransferred, s.inFlight)
	return s
}

// Middleware records traffic for each request. Meant to be installed with
// router.Use so the matched route template is available as the label,
// keeping job IDs out of the cardinality.
func (s *HTTPStats) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r)
		start := time.Now()

		s.inFlight.Inc()
		defer s.inFlight.Dec()

		if r.ContentLength > 0 {
			s.bytesTransferred.WithLabelValues("inbound", route).Add(float64(r.ContentLength))
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		s.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if wrapped.bytesWritten > 0 {
			s.bytesTransferred.WithLabelValues("outbound", route).Add(float64(wrapped.bytesWritten))
		}
	})
}

// routeLabel prefers the mux route template over the raw path so that
// /render/status/{jobId} stays one series across all job IDs.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// responseWriter wraps http.ResponseWriter to capture size and status
type responseWriter struct {
	http.ResponseWriter
	bytesWritten int64
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
