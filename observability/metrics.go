// Package observability exposes request metrics for the gateway.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks HTTP request counters and latency histograms.
type Metrics struct {
	requests    *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	registry    *prometheus.Registry
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "fortflux"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the gateway.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transaction_transitions_total",
		Help:      "Transaction status transitions applied by the escrow engine.",
	}, []string{"event"})
	registry.MustRegister(requests, durations, transitions)
	return &Metrics{
		requests:    requests,
		durations:   durations,
		transitions: transitions,
		registry:    registry,
	}
}

// Middleware records request counts and latency for the named route.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			m.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
			m.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// RecordTransition counts one applied state machine event.
func (m *Metrics) RecordTransition(event string) {
	m.transitions.WithLabelValues(event).Inc()
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
