package router

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolve outcomes used as the result label.
const (
	resultMatched          = "matched"
	resultNotFound         = "not_found"
	resultMethodNotAllowed = "method_not_allowed"
)

// RouterMetrics holds Prometheus metrics for route resolution.
type RouterMetrics struct {
	resolveTotal    *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	tableRules      prometheus.Gauge
	tableTasks      prometheus.Gauge
	tableGeneration prometheus.Gauge
}

var (
	routerMetricsInstance *RouterMetrics
	routerMetricsOnce     sync.Once
)

// InitRouterMetrics initializes the singleton router metrics with the
// given registerer, or the default one when nil. Later calls are no-ops.
func InitRouterMetrics(registerer prometheus.Registerer) {
	routerMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		routerMetricsInstance = newRouterMetricsWithFactory(promauto.With(registerer))
	})
}

// GetRouterMetrics returns the singleton router metrics instance.
func GetRouterMetrics() *RouterMetrics {
	InitRouterMetrics(nil)
	return routerMetricsInstance
}

func newRouterMetricsWithFactory(factory promauto.Factory) *RouterMetrics {
	return &RouterMetrics{
		resolveTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaserve",
				Subsystem: "router",
				Name:      "resolve_total",
				Help:      "Total number of route resolutions by result",
			},
			[]string{"result"},
		),
		resolveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "avaserve",
				Subsystem: "router",
				Name:      "resolve_duration_seconds",
				Help:      "Duration of route resolution in seconds",
				Buckets:   []float64{.000001, .000005, .00001, .00005, .0001, .0005, .001},
			},
		),
		tableRules: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaserve",
				Subsystem: "router",
				Name:      "table_rules",
				Help:      "Number of routable rules in the current route table",
			},
		),
		tableTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaserve",
				Subsystem: "router",
				Name:      "table_tasks",
				Help:      "Number of scheduled tasks in the current route table",
			},
		),
		tableGeneration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaserve",
				Subsystem: "router",
				Name:      "table_generation",
				Help:      "Generation of the current route table",
			},
		),
	}
}

// Init pre-initializes the result labels so they are exported before the
// first request.
func (m *RouterMetrics) Init() {
	for _, result := range []string{resultMatched, resultNotFound, resultMethodNotAllowed} {
		m.resolveTotal.WithLabelValues(result)
	}
}

func (m *RouterMetrics) observeTable(t *Table) {
	m.tableRules.Set(float64(len(t.rules)))
	m.tableTasks.Set(float64(len(t.tasks)))
	m.tableGeneration.Set(float64(t.generation))
}
