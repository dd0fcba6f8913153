// Package metrics mirrors the server counters as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server-level collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	TotalRequests     prometheus.Counter
	FailedRequests    prometheus.Counter
}

// New builds and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attlas_active_connections",
			Help: "Currently open client connections.",
		}),
		TotalRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attlas_requests_total",
			Help: "Requests accepted by the engine.",
		}),
		FailedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attlas_requests_failed_total",
			Help: "Requests that ended in a 4xx/5xx response or a handler panic.",
		}),
	}
	m.registry.MustRegister(m.ActiveConnections, m.TotalRequests, m.FailedRequests)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
