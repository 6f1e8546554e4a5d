// Package metrics exposes Prometheus instrumentation for the relay
// engine. A nil *Collector is valid and records nothing, so callers never
// guard their calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's metric families.
type Collector struct {
	connectionState  prometheus.Gauge
	connectionsReady prometheus.Counter
	envelopesSent    *prometheus.CounterVec
	envelopesRecv    *prometheus.CounterVec
	envelopesDropped *prometheus.CounterVec
}

// New registers the engine metrics with the given registerer.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "umbra",
			Subsystem: "relay",
			Name:      "connection_state",
			Help:      "Connection lifecycle state (0 disconnected, 1 connecting, 2 registered, 3 ready).",
		}),
		connectionsReady: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "relay",
			Name:      "connections_ready_total",
			Help:      "Successful relay registrations.",
		}),
		envelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "relay",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes sent, by kind.",
		}, []string{"kind"}),
		envelopesRecv: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "relay",
			Name:      "envelopes_received_total",
			Help:      "Envelopes received and dispatched, by kind.",
		}, []string{"kind"}),
		envelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "relay",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes and frames dropped as unknown or malformed, by kind.",
		}, []string{"kind"}),
	}
}

// ConnectionState records the connection lifecycle state.
func (c *Collector) ConnectionState(state int) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(state))
}

// ConnectionReady counts a successful registration.
func (c *Collector) ConnectionReady() {
	if c == nil {
		return
	}
	c.connectionsReady.Inc()
}

// EnvelopeSent counts an outbound envelope.
func (c *Collector) EnvelopeSent(kind string) {
	if c == nil {
		return
	}
	c.envelopesSent.WithLabelValues(kind).Inc()
}

// EnvelopeReceived counts a dispatched inbound envelope.
func (c *Collector) EnvelopeReceived(kind string) {
	if c == nil {
		return
	}
	c.envelopesRecv.WithLabelValues(kind).Inc()
}

// EnvelopeDropped counts a dropped envelope or frame.
func (c *Collector) EnvelopeDropped(kind string) {
	if c == nil {
		return
	}
	c.envelopesDropped.WithLabelValues(kind).Inc()
}
