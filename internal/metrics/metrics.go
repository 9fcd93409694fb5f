// Package metrics defines the Prometheus instrumentation for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry, so tests can
// create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	Transactions      *prometheus.CounterVec
	AlertsRaised      *prometheus.CounterVec
	EventsDeadLetters prometheus.Counter
	AuthFailures      *prometheus.CounterVec
}

// New builds the collectors and registers them together with the standard Go
// and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betlink",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "betlink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betlink",
			Name:      "wallet_transactions_total",
			Help:      "Wallet transactions by type and outcome.",
		}, []string{"type", "outcome"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betlink",
			Name:      "aml_alerts_total",
			Help:      "AML alerts raised by severity.",
		}, []string{"severity"}),
		EventsDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "betlink",
			Name:      "events_dead_lettered_total",
			Help:      "Events spilled to the dead-letter journal.",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betlink",
			Name:      "auth_failures_total",
			Help:      "Authentication failures by error code.",
		}, []string{"code"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.HTTPDuration,
		m.Transactions,
		m.AlertsRaised,
		m.EventsDeadLetters,
		m.AuthFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
