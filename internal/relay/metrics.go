package relay

import "github.com/prometheus/client_golang/prometheus"

type relayMetrics struct {
	frames  *prometheus.CounterVec
	drops   *prometheus.CounterVec
	clients prometheus.GaugeFunc
}

func newRelayMetrics(reg prometheus.Registerer, hub *Hub) *relayMetrics {
	m := &relayMetrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "frames_total",
			Help:      "Inbound client frames, by type",
		}, []string{"type"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "frames_dropped_total",
			Help:      "Inbound client frames dropped before dispatch",
		}, []string{"reason"}),
		clients: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "connections",
			Help:      "Open websocket connections",
		}, func() float64 { return float64(hub.Connections()) }),
	}
	reg.MustRegister(m.frames, m.drops, m.clients)
	return m
}

func (m *relayMetrics) frame(kind string) { m.frames.WithLabelValues(kind).Inc() }

func (m *relayMetrics) dropped(reason string) { m.drops.WithLabelValues(reason).Inc() }
