// Package metrics owns the Prometheus registry of the process and the HTTP
// instrumentation of the API surface. Domain metrics are registered on the
// same registry through budget.NewMetrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the registry and HTTP request metrics.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

// NewCollector creates a registry with Go runtime and process collectors
// plus HTTP request metrics. If registry is nil a new one is created.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendgate_http_requests_total",
				Help: "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "spendgate_http_request_duration_seconds",
				Help: "HTTP request latency by route",
				// Admission checks target sub-10ms; admin calls are slower.
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"route"},
		),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spendgate_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		}),
	}
}

// Registry returns the registry, for registering domain metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Instrument records request count, latency and in-flight requests for
// route.
func (c *Collector) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		c.inFlight.Inc()
		defer c.inFlight.Dec()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		c.requests.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		c.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
