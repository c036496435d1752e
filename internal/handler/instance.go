package handler

import (
	"context"
	"sync"

	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/router"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

// instance is one handler created by a Type, plus the bookkeeping that
// decides when it may be released.
type instance struct {
	key         string
	typ         Type
	handlerType string
	ruleID      string
	params      Params

	// ctx is cancelled with util.ErrResourceTornDown on teardown, which
	// cancels every lease derived from it.
	ctx    context.Context
	cancel context.CancelCauseFunc

	setupMu  sync.Mutex
	handler  Handler
	setupErr error

	mu       sync.Mutex
	refs     int
	retired  bool
	tornDown bool
	idle     chan struct{}
	idleOnce sync.Once

	releaseOnce sync.Once
}

func newInstance(key string, t Type, rule *router.Rule) *instance {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &instance{
		key:         key,
		typ:         t,
		handlerType: rule.Handler,
		ruleID:      rule.ID,
		params:      rule.Params,
		ctx:         ctx,
		cancel:      cancel,
		idle:        make(chan struct{}),
	}
}

// setup creates the handler if it does not exist yet. A failure is
// recorded and the next call tries again.
func (i *instance) setup(ctx context.Context, m *Metrics) error {
	i.setupMu.Lock()
	defer i.setupMu.Unlock()

	if i.handler != nil {
		return nil
	}
	if err := i.ctx.Err(); err != nil {
		return context.Cause(i.ctx)
	}

	h, err := i.typ.Setup(ctx, i.params)
	if err != nil {
		i.setupErr = err
		m.setupsTotal.WithLabelValues(i.handlerType, "error").Inc()
		return err
	}
	i.handler = h
	i.setupErr = nil
	m.setupsTotal.WithLabelValues(i.handlerType, "success").Inc()
	return nil
}

func (i *instance) current() Handler {
	i.setupMu.Lock()
	defer i.setupMu.Unlock()
	return i.handler
}

// acquire takes a reference unless the instance is retired or torn down.
func (i *instance) acquire() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.retired || i.tornDown {
		return false
	}
	i.refs++
	return true
}

// done drops a reference and signals idleness to a draining retire.
func (i *instance) done() {
	i.mu.Lock()
	i.refs--
	idle := i.retired && i.refs == 0
	i.mu.Unlock()

	if idle {
		i.idleOnce.Do(func() { close(i.idle) })
	}
}

// markRetired flags the instance as retired and reports whether it is
// already idle.
func (i *instance) markRetired() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.retired = true
	return i.refs == 0
}

// teardown releases the handler exactly once. A forced teardown cancels
// the leases still running.
func (i *instance) teardown(logger observability.Logger, m *Metrics, forced bool) {
	i.releaseOnce.Do(func() {
		i.mu.Lock()
		i.tornDown = true
		pending := i.refs
		i.mu.Unlock()

		i.cancel(util.ErrResourceTornDown)

		if forced {
			logger.Warn("drain timeout expired, tearing down handler instance",
				observability.String("rule", i.ruleID),
				observability.String("handler", i.handlerType),
				observability.Int("in_flight", pending),
			)
		}

		i.setupMu.Lock()
		h := i.handler
		i.handler = nil
		i.setupMu.Unlock()

		if h != nil {
			if err := h.Release(); err != nil {
				logger.Error("handler release failed",
					observability.String("rule", i.ruleID),
					observability.String("handler", i.handlerType),
					observability.Error(err),
				)
			}
		}

		reason := "drained"
		if forced {
			reason = "forced"
		}
		m.teardownsTotal.WithLabelValues(i.handlerType, reason).Inc()
	})
}

// Lease is a counted reference to a handler instance, held for the
// duration of one request or task run.
type Lease struct {
	inst    *instance
	handler Handler
	ctx     context.Context
	cancel  context.CancelCauseFunc
	stop    func() bool
	metrics *Metrics
	once    sync.Once
}

func newLease(parent context.Context, inst *instance, m *Metrics) *Lease {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(inst.ctx, func() {
		cancel(util.ErrResourceTornDown)
	})
	return &Lease{
		inst:    inst,
		handler: inst.current(),
		ctx:     ctx,
		cancel:  cancel,
		stop:    stop,
		metrics: m,
	}
}

// Handler returns the leased handler.
func (l *Lease) Handler() Handler {
	return l.handler
}

// Context returns a context derived from the acquiring one that is
// cancelled with util.ErrResourceTornDown when the instance is torn down
// before the lease is released.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Release returns the reference. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.stop()
		l.cancel(context.Canceled)
		l.metrics.leases.Dec()
		l.inst.done()
	})
}
