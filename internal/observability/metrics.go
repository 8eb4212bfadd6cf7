package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	openConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerhub",
			Subsystem: "relay",
			Name:      "open_connections",
			Help:      "Connections currently held in the registry.",
		},
		[]string{"node"},
	)
	relayedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages handled by the relay.",
		},
		[]string{"node", "direction", "kind"},
	)
	droppedSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "relay",
			Name:      "dropped_sends_total",
			Help:      "Sends dropped because the connection was unavailable or failed.",
		},
		[]string{"node"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "relay",
			Name:      "reconnect_attempts_total",
			Help:      "Hub reconnect attempts by outcome.",
		},
		[]string{"node", "success"},
	)
	elections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "relay",
			Name:      "elections_total",
			Help:      "Completed elections by resulting role.",
		},
		[]string{"node", "role"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(openConnections, relayedMessages, droppedSends, reconnectAttempts, elections)
	})
}

// Metrics records relay activity under one node label. The zero value is
// not usable; a nil *Metrics records nothing.
type Metrics struct {
	node string
}

func NewMetrics(node string) *Metrics {
	RegisterMetrics()
	return &Metrics{node: node}
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	openConnections.WithLabelValues(m.node).Set(float64(n))
}

// Message counts one message; direction is in, out or relayed.
func (m *Metrics) Message(direction, kind string) {
	if m == nil {
		return
	}
	relayedMessages.WithLabelValues(m.node, direction, kind).Inc()
}

func (m *Metrics) DroppedSend() {
	if m == nil {
		return
	}
	droppedSends.WithLabelValues(m.node).Inc()
}

func (m *Metrics) ReconnectAttempt(success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	reconnectAttempts.WithLabelValues(m.node, label).Inc()
}

func (m *Metrics) Elected(role string) {
	if m == nil {
		return
	}
	elections.WithLabelValues(m.node, role).Inc()
}
