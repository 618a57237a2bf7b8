// Package metrics exposes the runtime's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the instrument set of the server endpoint.
type Metrics struct {
	ConnectedPeers    prometheus.Gauge
	PacketsSent       prometheus.Counter
	PacketsReceived   prometheus.Counter
	DecodeFailures    prometheus.Counter
	HandshakeFailures prometheus.Counter
	ConnectionsLost   prometheus.Counter
}

// New registers the instrument set on reg. A nil reg keeps the metrics
// private to the process (useful in tests and embedded hosts).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lockstep",
			Name:      "connected_peers",
			Help:      "Number of currently established connections.",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lockstep",
			Name:      "packets_sent_total",
			Help:      "Datagrams written to the substrate.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lockstep",
			Name:      "packets_received_total",
			Help:      "Datagrams read from the substrate.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lockstep",
			Name:      "decode_failures_total",
			Help:      "Datagrams dropped due to malformed or truncated input.",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lockstep",
			Name:      "handshake_failures_total",
			Help:      "Handshake packets rejected (bad digest, malformed).",
		}),
		ConnectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lockstep",
			Name:      "connections_lost_total",
			Help:      "Connections torn down by timeout, protocol error or disconnect.",
		}),
	}
	reg.MustRegister(
		m.ConnectedPeers,
		m.PacketsSent,
		m.PacketsReceived,
		m.DecodeFailures,
		m.HandshakeFailures,
		m.ConnectionsLost,
	)
	return m
}
