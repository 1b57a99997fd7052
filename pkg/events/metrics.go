package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the replication counters shared by queues and streams.
// Each queue or stream reports under its own direction label.
type Metrics struct {
	created      *prometheus.CounterVec
	deduplicated *prometheus.CounterVec
	sent         *prometheus.CounterVec
	resent       *prometheus.CounterVec
	placeholders *prometheus.CounterVec
	applied      *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	decodeFailed *prometheus.CounterVec
	pending      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entitysync",
			Subsystem: "events",
			Name:      name,
			Help:      help,
		}, []string{"direction"})
	}

	m := &Metrics{
		created:      counter("created_total", "Events allocated an ID."),
		deduplicated: counter("deduplicated_total", "Event requests folded into a pending duplicate."),
		sent:         counter("sent_total", "Events written to a peer for the first time."),
		resent:       counter("resent_total", "Events written again after the resend interval."),
		placeholders: counter("placeholders_total", "Events sent or received as the null sentinel."),
		applied:      counter("applied_total", "Received events dispatched to their entity."),
		skipped:      counter("skipped_total", "Received events skipped as already applied or out of order."),
		decodeFailed: counter("decode_failed_total", "Received events whose payload failed to decode."),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "entitysync",
			Subsystem: "events",
			Name:      "pending",
			Help:      "Events held in the outbound queue.",
		}, []string{"direction"}),
	}

	if reg != nil {
		reg.MustRegister(m.created, m.deduplicated, m.sent, m.resent, m.placeholders,
			m.applied, m.skipped, m.decodeFailed, m.pending)
	}
	return m
}

// direction binds the collectors to one label value
type direction struct {
	m     *Metrics
	label string
}

func (d direction) inc(vec func(*Metrics) *prometheus.CounterVec) {
	if d.m == nil {
		return
	}
	vec(d.m).WithLabelValues(d.label).Inc()
}

func (d direction) setPending(n int) {
	if d.m == nil {
		return
	}
	d.m.pending.WithLabelValues(d.label).Set(float64(n))
}

func created(m *Metrics) *prometheus.CounterVec      { return m.created }
func deduplicated(m *Metrics) *prometheus.CounterVec { return m.deduplicated }
func sent(m *Metrics) *prometheus.CounterVec         { return m.sent }
func resent(m *Metrics) *prometheus.CounterVec       { return m.resent }
func placeholders(m *Metrics) *prometheus.CounterVec { return m.placeholders }
func applied(m *Metrics) *prometheus.CounterVec      { return m.applied }
func skipped(m *Metrics) *prometheus.CounterVec      { return m.skipped }
func decodeFailed(m *Metrics) *prometheus.CounterVec { return m.decodeFailed }
