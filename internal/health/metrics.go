package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for health checks.
type Metrics struct {
	checksTotal   *prometheus.CounterVec
	checkStatus   *prometheus.GaugeVec
	checkDuration *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// InitMetrics initializes the singleton health metrics with the given
// registerer, or the default one when nil. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		metricsInstance = newMetricsWithFactory(promauto.With(registerer))
	})
}

// GetMetrics returns the singleton health metrics instance.
func GetMetrics() *Metrics {
	InitMetrics(nil)
	return metricsInstance
}

func newMetricsWithFactory(factory promauto.Factory) *Metrics {
	return &Metrics{
		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Subsystem: "health",
				Name:      "checks_total",
				Help:      "Total number of health checks performed by result",
			},
			[]string{"check", "result"},
		),
		checkStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "avaserve",
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Current health check status (1=healthy, 0=unhealthy)",
			},
			[]string{"check"},
		),
		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "avaserve",
				Subsystem: "health",
				Name:      "check_duration_seconds",
				Help:      "Duration of health checks in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5},
			},
			[]string{"check"},
		),
	}
}

func (m *Metrics) record(check string, healthy bool, d time.Duration) {
	result, status := "success", 1.0
	if !healthy {
		result, status = "failure", 0
	}
	m.checksTotal.WithLabelValues(check, result).Inc()
	m.checkStatus.WithLabelValues(check).Set(status)
	m.checkDuration.WithLabelValues(check).Observe(d.Seconds())
}
