package reload

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess = "success"
	resultError   = "error"
)

// Metrics holds Prometheus metrics for configuration reloads.
type Metrics struct {
	reloadTotal       *prometheus.CounterVec
	reloadDuration    prometheus.Histogram
	reloadLastSuccess prometheus.Gauge
	reloadFailures    *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// InitMetrics initializes the singleton reload metrics with the given
// registerer, or the default one when nil. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		metricsInstance = newMetricsWithFactory(promauto.With(registerer))
	})
}

// GetMetrics returns the singleton reload metrics instance.
func GetMetrics() *Metrics {
	InitMetrics(nil)
	return metricsInstance
}

func newMetricsWithFactory(factory promauto.Factory) *Metrics {
	return &Metrics{
		reloadTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		),
		reloadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "avaserve",
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		reloadLastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaserve",
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of last successful config reload",
			},
		),
		reloadFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Name:      "config_reload_failures_total",
				Help:      "Total number of failed configuration reloads by phase",
			},
			[]string{"phase"},
		),
	}
}

// Init pre-initializes the result labels.
func (m *Metrics) Init() {
	m.reloadTotal.WithLabelValues(resultSuccess)
	m.reloadTotal.WithLabelValues(resultError)
}
