package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the role internal/waku.Node.NetworkMetrics plays
// for the real transport, but as first-class prometheus collectors
// instead of a polled map, per SPEC_FULL.md's domain-stack wiring of
// client_golang into this package.
type Metrics struct {
	EventsPublished  prometheus.Counter
	EventsDelivered  prometheus.Counter
	EventsDropped    *prometheus.CounterVec
	ActiveSubscribers prometheus.Gauge
}

// NewMetrics registers a fresh Metrics set against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with a
// process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ardentmesh_transport_events_published_total",
			Help: "Events handed to Relay.Publish.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ardentmesh_transport_events_delivered_total",
			Help: "Events delivered to a matching subscriber.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ardentmesh_transport_events_dropped_total",
			Help: "Events dropped by fault injection, labeled by reason.",
		}, []string{"reason"}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ardentmesh_transport_active_subscribers",
			Help: "Currently registered Relay subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsPublished, m.EventsDelivered, m.EventsDropped, m.ActiveSubscribers)
	}
	return m
}
