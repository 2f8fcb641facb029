package tftp

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a small Prometheus collector set for session-level telemetry.
// It is registered against a private registry rather than the global
// default one, so embedding this package into another process's metrics
// endpoint never collides with that process's own collectors.
type Metrics struct {
	Registry          *prometheus.Registry
	SessionsActive    prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	RetransmitsTotal  prometheus.Counter
	BytesTotal        *prometheus.CounterVec
}

// NewMetrics builds and registers the collector set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tftp_sessions_active",
			Help: "Number of TFTP transfers currently in progress.",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftp_sessions_total",
			Help: "Total TFTP transfers, labeled by operation and outcome.",
		}, []string{"op", "result"}),
		RetransmitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftp_retransmits_total",
			Help: "Total DATA/ACK retransmissions across all sessions.",
		}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftp_bytes_transferred_total",
			Help: "Total payload bytes transferred, labeled by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.SessionsActive, m.SessionsTotal, m.RetransmitsTotal, m.BytesTotal)
	return m
}

// SessionCounters is the per-session view of Metrics a Session records
// into; it never itself creates new collectors.
type SessionCounters struct {
	m  *Metrics
	op string
}

// ForSession returns a SessionCounters scoped to op ("RRQ" or "WRQ"). m may
// be nil, in which case all recording methods are no-ops — metrics are an
// optional ambient concern, not a correctness dependency.
func (m *Metrics) ForSession(op string) *SessionCounters {
	if m == nil {
		return nil
	}
	m.SessionsActive.Inc()
	return &SessionCounters{m: m, op: op}
}

// Done records the terminal outcome of the session and releases the
// active-sessions gauge slot.
func (c *SessionCounters) Done(result string) {
	if c == nil {
		return
	}
	c.m.SessionsActive.Dec()
	c.m.SessionsTotal.WithLabelValues(c.op, result).Inc()
}

// Retransmit records one DATA/ACK retransmission.
func (c *SessionCounters) Retransmit() {
	if c == nil {
		return
	}
	c.m.RetransmitsTotal.Inc()
}

// BytesSent records n payload bytes placed on the wire.
func (c *SessionCounters) BytesSent(n int) {
	if c == nil || n == 0 {
		return
	}
	c.m.BytesTotal.WithLabelValues("sent").Add(float64(n))
}

// BytesReceived records n payload bytes accepted from the wire.
func (c *SessionCounters) BytesReceived(n int) {
	if c == nil || n == 0 {
		return
	}
	c.m.BytesTotal.WithLabelValues("received").Add(float64(n))
}
