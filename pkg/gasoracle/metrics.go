package gasoracle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the fee window
type Metrics struct {
	WindowSize     prometheus.Gauge
	Drift          prometheus.Counter
	UpdateFailures prometheus.Counter
}

// NewMetrics registers gas oracle metrics with reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WindowSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gasoracle",
			Name:      "window_size",
			Help:      "Blocks tracked in the fee window, pending included",
		}),
		Drift: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gasoracle",
			Name:      "drift_total",
			Help:      "Validations that could not restore the full fee window",
		}),
		UpdateFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gasoracle",
			Name:      "update_failures_total",
			Help:      "Block fetches that failed while updating the fee window",
		}),
	}
}
