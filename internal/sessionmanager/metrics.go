package sessionmanager

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors transport.Metrics's shape: first-class prometheus
// collectors for the orchestrator's own counters, per SPEC_FULL.md's
// domain-stack wiring of client_golang into this package.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	EnvelopesSent       prometheus.Counter
	EnvelopesReceived   prometheus.Counter
	EnvelopesDropped    *prometheus.CounterVec
	InviteAcceptedTotal prometheus.Counter
}

// NewMetrics registers a fresh Metrics set against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with a
// process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ardentmesh_sessionmanager_active_sessions",
			Help: "Currently active double-ratchet sessions.",
		}),
		EnvelopesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ardentmesh_sessionmanager_envelopes_sent_total",
			Help: "Session envelopes published.",
		}),
		EnvelopesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ardentmesh_sessionmanager_envelopes_received_total",
			Help: "Session envelopes successfully decrypted.",
		}),
		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ardentmesh_sessionmanager_envelopes_dropped_total",
			Help: "Session envelopes or related events dropped, labeled by reason.",
		}, []string{"reason"}),
		InviteAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ardentmesh_sessionmanager_invites_accepted_total",
			Help: "Invite handshakes accepted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveSessions, m.EnvelopesSent, m.EnvelopesReceived, m.EnvelopesDropped, m.InviteAcceptedTotal)
	}
	return m
}
