package scheduler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess = "success"
	resultError   = "error"
)

// Metrics holds Prometheus metrics for scheduled tasks.
type Metrics struct {
	runsTotal    *prometheus.CounterVec
	skippedTotal *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	running      prometheus.Gauge
	entries      prometheus.Gauge
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// InitMetrics initializes the singleton scheduler metrics with the given
// registerer, or the default one when nil. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		metricsInstance = newMetricsWithFactory(promauto.With(registerer))
	})
}

// GetMetrics returns the singleton scheduler metrics instance.
func GetMetrics() *Metrics {
	InitMetrics(nil)
	return metricsInstance
}

func newMetricsWithFactory(factory promauto.Factory) *Metrics {
	return &Metrics{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Subsystem: "scheduler",
				Name:      "runs_total",
				Help:      "Total number of scheduled task runs by result",
			},
			[]string{"task", "result"},
		),
		skippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Subsystem: "scheduler",
				Name:      "skipped_total",
				Help:      "Total number of triggers skipped because the previous run was still going",
			},
			[]string{"task"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "avaserve",
				Subsystem: "scheduler",
				Name:      "run_duration_seconds",
				Help:      "Duration of scheduled task runs in seconds",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"task"},
		),
		running: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaserve",
				Subsystem: "scheduler",
				Name:      "running",
				Help:      "Number of scheduled task runs in progress",
			},
		),
		entries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaserve",
				Subsystem: "scheduler",
				Name:      "entries",
				Help:      "Number of scheduled tasks",
			},
		),
	}
}
