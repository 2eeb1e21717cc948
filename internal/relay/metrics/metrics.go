// Package metrics implements the relay's telemetry registry (C9): a
// Prometheus registry exposing the counters and gauges named in the
// external interface, scraped as plain text on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the relay exposes, grouped the way
// the Rust original's Metrics struct does: one gauge, six counters,
// all registered against a private registry rather than the global
// default so multiple relay instances in-process never collide.
type Registry struct {
	registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	PacketsReceived  prometheus.Counter
	PacketsForwarded prometheus.Counter
	PacketsDropped   prometheus.Counter
	BytesForwarded   prometheus.Counter
	InvalidSessions  prometheus.Counter
	Keepalives       prometheus.Counter
}

// New builds and registers every metric.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plg_active_sessions",
			Help: "Number of active relay sessions",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plg_packets_received_total",
			Help: "Total packets received from clients",
		}),
		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plg_packets_forwarded_total",
			Help: "Total packets forwarded to game servers",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plg_packets_dropped_total",
			Help: "Total packets dropped",
		}),
		BytesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plg_bytes_forwarded_total",
			Help: "Total bytes forwarded",
		}),
		InvalidSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plg_invalid_sessions_total",
			Help: "Packets with invalid session tokens",
		}),
		Keepalives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plg_keepalives_total",
			Help: "Total keepalive packets received",
		}),
	}

	reg.MustRegister(
		r.ActiveSessions,
		r.PacketsReceived,
		r.PacketsForwarded,
		r.PacketsDropped,
		r.BytesForwarded,
		r.InvalidSessions,
		r.Keepalives,
	)

	return r
}

// SetActiveSessions implements session.GaugeSetter.
func (r *Registry) SetActiveSessions(n int) {
	r.ActiveSessions.Set(float64(n))
}

// Handler returns the HTTP handler to serve at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
