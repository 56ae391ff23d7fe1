package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mesh"

// Metrics groups coordinator collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connections prometheus.Gauge
	Rooms       prometheus.Gauge
	Relayed     *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of live signaling connections.",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms with at least one member.",
		}),
		Relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Messages delivered to a connection, by type.",
		}, []string{"type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages that could not be delivered, by type and reason.",
		}, []string{"type", "reason"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.Rooms.Set(float64(n))
	}
}

func (m *Metrics) MessageRelayed(typ string) {
	if m != nil {
		m.Relayed.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) MessageDropped(typ, reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(typ, reason).Inc()
	}
}
