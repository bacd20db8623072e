package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks subscriptions and deliveries
type Metrics struct {
	Addresses        prometheus.Gauge
	Subscriptions    prometheus.Gauge
	Published        prometheus.Counter
	DeliveryFailures prometheus.Counter
	HandlerErrors    *prometheus.CounterVec
}

// NewMetrics registers registry metrics with reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Addresses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "addresses",
			Help:      "Addresses with at least one subscriber",
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscriptions",
			Help:      "Active client subscriptions",
		}),
		Published: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "published_total",
			Help:      "Transactions delivered to client connections",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "delivery_failures_total",
			Help:      "Deliveries a client connection rejected",
		}),
		HandlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "handler_errors_total",
			Help:      "Feed events dropped because their handler failed",
		}, []string{"event"}),
	}
}
