package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks client connections
type Metrics struct {
	Connections    prometheus.Gauge
	Dropped        prometheus.Counter
	ProtocolErrors prometheus.Counter
}

// NewMetrics registers websocket metrics with reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Open client websocket connections",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped because a client send queue was full",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "protocol_errors_total",
			Help:      "Client requests answered with an error frame",
		}),
	}
}
