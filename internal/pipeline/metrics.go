package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Execution outcomes used as the outcome label.
const (
	outcomeHandled      = "handled"
	outcomeShortCircuit = "short_circuit"
	outcomeCached       = "cached"
	outcomeError        = "error"
	outcomeCancelled    = "cancelled"
)

// Metrics holds Prometheus metrics for pipeline executions.
type Metrics struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	stageRejections   *prometheus.CounterVec
	cacheRequests     *prometheus.CounterVec
	cacheCollapsed    prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// InitMetrics initializes the singleton pipeline metrics with the given
// registerer, or the default one when nil. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		metricsInstance = newMetricsWithFactory(promauto.With(registerer))
	})
}

// GetMetrics returns the singleton pipeline metrics instance.
func GetMetrics() *Metrics {
	InitMetrics(nil)
	return metricsInstance
}

func newMetricsWithFactory(factory promauto.Factory) *Metrics {
	return &Metrics{
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Subsystem: "pipeline",
				Name:      "executions_total",
				Help:      "Total number of pipeline executions by rule and outcome",
			},
			[]string{"rule", "outcome"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "avaserve",
				Subsystem: "pipeline",
				Name:      "execution_duration_seconds",
				Help:      "Duration of pipeline executions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"rule"},
		),
		stageRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Subsystem: "pipeline",
				Name:      "stage_rejections_total",
				Help:      "Total number of requests answered by a stage instead of the handler",
			},
			[]string{"rule", "stage", "status"},
		),
		cacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Subsystem: "pipeline",
				Name:      "cache_requests_total",
				Help:      "Total number of response cache lookups by result",
			},
			[]string{"rule", "result"},
		),
		cacheCollapsed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Subsystem: "pipeline",
				Name:      "cache_collapsed_total",
				Help:      "Total number of cache misses served by another request's handler run",
			},
		),
	}
}
