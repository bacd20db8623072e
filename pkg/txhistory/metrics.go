package txhistory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks tx history assembly
type Metrics struct {
	DirectFetches   prometheus.Counter
	DroppedRecords  prometheus.Counter
	DegradedSources *prometheus.CounterVec
	PageDuration    *prometheus.HistogramVec
}

// NewMetrics registers tx history metrics with reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DirectFetches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txhistory",
			Name:      "direct_fetches_total",
			Help:      "Transactions fetched by txid because the indexer page did not hold them",
		}),
		DroppedRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txhistory",
			Name:      "dropped_records_total",
			Help:      "Internal transfer records dropped because their transaction could not be fetched",
		}),
		DegradedSources: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txhistory",
			Name:      "degraded_total",
			Help:      "Pages or records served without internal transfers",
		}, []string{"source"}),
		PageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "txhistory",
			Name:      "page_duration_seconds",
			Help:      "Time to assemble one tx history page",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}
}
