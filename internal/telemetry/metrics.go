// Package telemetry exposes Prometheus metrics for update operations
// and the HTTP API.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrument set for one server instance.
type Metrics struct {
	registry *prometheus.Registry

	pullsTotal   *prometheus.CounterVec
	pullDuration prometheus.Histogram
	checksTotal  *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New returns a Metrics with its own registry, so tests can construct
// instances without duplicate-registration panics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		pullsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stationboard_update_pulls_total",
			Help: "Update pulls by classified outcome.",
		}, []string{"outcome"}),
		pullDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stationboard_update_pull_duration_seconds",
			Help:    "Duration of update pulls.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stationboard_update_checks_total",
			Help: "Background update checks by result.",
		}, []string{"updates_available"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stationboard_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stationboard_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// RecordPull counts one pull outcome and its duration.
func (m *Metrics) RecordPull(outcome string, duration time.Duration) {
	m.pullsTotal.WithLabelValues(outcome).Inc()
	m.pullDuration.Observe(duration.Seconds())
}

// RecordCheck counts one background update check.
func (m *Metrics) RecordCheck(updatesAvailable bool) {
	m.checksTotal.WithLabelValues(strconv.FormatBool(updatesAvailable)).Inc()
}

// Handler serves the metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency for every route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		m.httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
