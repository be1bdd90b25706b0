// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DevicesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_devices_online",
			Help: "Number of devices with a live agent connection",
		},
	)

	AgentHandshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_agent_handshakes_total",
			Help: "Agent handshakes by transport and outcome",
		},
		[]string{"transport", "status"}, // status: approved, pending, rejected, error
	)

	ClientConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_client_connections",
			Help: "Number of connected operator clients",
		},
	)

	SessionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_sessions_opened_total",
			Help: "Session opens routed to devices, by type",
		},
		[]string{"type"},
	)

	SessionsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_sessions_failed_total",
			Help: "Session opens or sessions that ended with an error, by type and reason code",
		},
		[]string{"type", "code"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_sessions_active",
			Help: "Sessions currently spliced between a client and a device",
		},
	)

	TunnelBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_tunnel_bytes_total",
			Help: "Bytes moved over agent and client connections",
		},
		[]string{"side", "direction"}, // side: agent, client; direction: in, out
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOpen counts an open that reached the routing decision. An empty
// code means the session was opened.
func RecordOpen(sessionType, code string) {
	if code == "" {
		SessionsOpened.WithLabelValues(sessionType).Inc()
		return
	}
	SessionsFailed.WithLabelValues(sessionType, code).Inc()
}

// AddBytes adds transport byte counts for one side of the relay.
func AddBytes(side string, in, out uint64) {
	if in > 0 {
		TunnelBytes.WithLabelValues(side, "in").Add(float64(in))
	}
	if out > 0 {
		TunnelBytes.WithLabelValues(side, "out").Add(float64(out))
	}
}
