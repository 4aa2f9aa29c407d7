package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fathima-sithara/chatsync/internal/transport"
)

const namespace = "chatsync"

// Metrics are the session counters. A nil *Metrics records nothing.
type Metrics struct {
	Events     *prometheus.CounterVec
	Reconciled *prometheus.CounterVec
	Sends      *prometheus.CounterVec
	Realtime   prometheus.Gauge
	Unread     prometheus.Gauge

	reg prometheus.Registerer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_handled_total",
			Help:      "Inbound realtime events handled, by kind",
		}, []string{"kind"}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_reconciled_total",
			Help:      "new_message reconciliation outcomes",
		}, []string{"outcome"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outgoing message transitions, by result",
		}, []string{"result"}),
		Realtime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connected",
			Help:      "1 while the realtime connection is up",
		}),
		Unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_total",
			Help:      "Sum of unread counters across conversations",
		}),
		reg: reg,
	}
	if reg != nil {
		reg.MustRegister(m.Events, m.Reconciled, m.Sends, m.Realtime, m.Unread)
	}
	return m
}

// ObserveTransport exports the connection manager's counters.
func (m *Metrics) ObserveTransport(stats func() transport.Stats) {
	if m == nil || m.reg == nil {
		return
	}
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_frames_received_total",
			Help:      "Inbound websocket frames",
		}, func() float64 { return float64(stats().Received) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_frames_dropped_total",
			Help:      "Inbound frames dropped as malformed or unknown",
		}, func() float64 { return float64(stats().Dropped) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reconnects_total",
			Help:      "Successful reconnects after a lost connection",
		}, func() float64 { return float64(stats().Reconnects) }),
	)
}

func (m *Metrics) event(kind string) {
	if m != nil {
		m.Events.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) reconciled(outcome string) {
	if m != nil {
		m.Reconciled.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) send(result string) {
	if m != nil {
		m.Sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) realtime(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Realtime.Set(1)
	} else {
		m.Realtime.Set(0)
	}
}

func (m *Metrics) unread(total int) {
	if m != nil {
		m.Unread.Set(float64(total))
	}
}
