package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the upstream feed
type Metrics struct {
	Events      *prometheus.CounterVec
	Reconnects  prometheus.Counter
	Connected   prometheus.Gauge
	RelayErrors prometheus.Counter
}

// NewMetrics registers feed metrics with reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Feed events dispatched to handlers",
		}, []string{"event"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Upstream feed reconnect attempts",
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connected",
			Help:      "1 while the upstream feed is connected",
		}),
		RelayErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "relay_errors_total",
			Help:      "Events or subscription requests that failed to cross redis",
		}),
	}
}
