package router

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

// Router resolves requests against the current route table. Reads are
// lock-free; the table is replaced as a whole by Swap.
type Router struct {
	current atomic.Pointer[Table]
	logger  observability.Logger
	metrics *RouterMetrics
}

// Option is a functional option for configuring the router.
type Option func(*Router)

// WithLogger sets the logger for the router.
func WithLogger(logger observability.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics for the router.
func WithMetrics(m *RouterMetrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// New creates a router serving an empty generation-0 table.
func New(opts ...Option) *Router {
	r := &Router{
		logger:  observability.NopLogger(),
		metrics: GetRouterMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(NewEmptyTable(0))
	return r
}

// Current returns the table in effect. Callers that need a consistent
// view across several lookups should hold on to the returned table.
func (r *Router) Current() *Table {
	return r.current.Load()
}

// Swap publishes t and returns the table it replaced.
func (r *Router) Swap(t *Table) *Table {
	prev := r.current.Swap(t)
	r.metrics.observeTable(t)

	r.logger.Info("route table published",
		observability.Uint64("generation", t.generation),
		observability.Int("rules", len(t.rules)),
		observability.Int("tasks", len(t.tasks)),
	)
	return prev
}

// Resolve matches a request against the current table.
func (r *Router) Resolve(method, host, path string) (*Match, error) {
	start := time.Now()
	m, err := r.Current().Lookup(method, host, path)
	r.metrics.resolveDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		r.metrics.resolveTotal.WithLabelValues(resultMatched).Inc()
	case errors.Is(err, util.ErrMethodNotAllowed):
		r.metrics.resolveTotal.WithLabelValues(resultMethodNotAllowed).Inc()
	default:
		r.metrics.resolveTotal.WithLabelValues(resultNotFound).Inc()
	}
	return m, err
}
