package handler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for handler instances.
type Metrics struct {
	instances      prometheus.Gauge
	leases         prometheus.Gauge
	setupsTotal    *prometheus.CounterVec
	teardownsTotal *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// InitMetrics initializes the singleton handler metrics with the given
// registerer, or the default one when nil. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		metricsInstance = newMetricsWithFactory(promauto.With(registerer))
	})
}

// GetMetrics returns the singleton handler metrics instance.
func GetMetrics() *Metrics {
	InitMetrics(nil)
	return metricsInstance
}

func newMetricsWithFactory(factory promauto.Factory) *Metrics {
	return &Metrics{
		instances: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaserve",
				Subsystem: "handler",
				Name:      "instances",
				Help:      "Number of live handler instances",
			},
		),
		leases: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaserve",
				Subsystem: "handler",
				Name:      "leases_active",
				Help:      "Number of handler leases held by in-flight requests and tasks",
			},
		),
		setupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Subsystem: "handler",
				Name:      "setups_total",
				Help:      "Total number of handler setups by type and result",
			},
			[]string{"type", "result"},
		),
		teardownsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Subsystem: "handler",
				Name:      "teardowns_total",
				Help:      "Total number of handler teardowns by type and reason",
			},
			[]string{"type", "reason"},
		),
	}
}
