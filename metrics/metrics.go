// Package metrics exposes Prometheus metrics for both adapters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/farm-engine/farming"
)

// OutcomeOK labels a successful operation; failures use the error kind.
const OutcomeOK = "ok"

// Collector owns a private registry so tests and multiple servers in one
// process never collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeRequests      prometheus.Gauge
	operationsTotal     *prometheus.CounterVec
}

// NewCollector creates and registers the farm metrics.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	c.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	c.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farm_http_active_requests",
			Help: "Number of in-flight HTTP requests",
		},
	)
	c.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_operations_total",
			Help: "Farming operations by adapter-facing name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	c.registry.MustRegister(
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.activeRequests,
		c.operationsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		c.activeRequests.Inc()
		defer c.activeRequests.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		c.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordOperation counts one call of operation with its outcome.
// A nil collector is a no-op.
func (c *Collector) RecordOperation(operation string, err error) {
	if c == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = string(farming.KindOf(err))
	}
	c.operationsTotal.WithLabelValues(operation, outcome).Inc()
}
