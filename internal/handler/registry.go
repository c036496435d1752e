package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/router"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

// DefaultDrainTimeout is how long a retired instance may keep serving
// in-flight requests before it is torn down regardless.
const DefaultDrainTimeout = 30 * time.Second

// maxParallelSetups bounds concurrent eager setups during Prepare.
const maxParallelSetups = 8

// Registry owns handler types and the lifecycle of their instances.
//
// Instances are created by Prepare for the rules of a candidate table,
// become current on Commit and are retired when a later Commit no longer
// references them. A retired instance is released once its last lease
// ends, or forcibly after the drain timeout.
type Registry struct {
	logger       observability.Logger
	metrics      *Metrics
	drainTimeout time.Duration

	mu        sync.Mutex
	types     map[string]Type
	instances map[string]*instance
	current   map[string]struct{}
	byRuleID  map[string]*instance
	draining  sync.WaitGroup
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics for the registry.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithDrainTimeout sets how long retired instances may drain.
func WithDrainTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.drainTimeout = d
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:       observability.NopLogger(),
		metrics:      GetMetrics(),
		drainTimeout: DefaultDrainTimeout,
		types:        make(map[string]Type),
		instances:    make(map[string]*instance),
		current:      make(map[string]struct{}),
		byRuleID:     make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler type. Registering a name twice is an error.
func (r *Registry) Register(t Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return fmt.Errorf("handler type name cannot be empty")
	}
	if _, exists := r.types[name]; exists {
		return fmt.Errorf("handler type %q already registered", name)
	}
	r.types[name] = t
	return nil
}

// MustRegister registers t and panics on error.
func (r *Registry) MustRegister(t Type) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookupType(name string) (Type, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: handler %q", util.ErrUnknownType, name)
	}
	return t, nil
}

// ValidateHandler checks that handlerType exists and, when the type
// supports it, that params are acceptable.
func (r *Registry) ValidateHandler(handlerType string, params map[string]any) error {
	t, err := r.lookupType(handlerType)
	if err != nil {
		return err
	}
	if v, ok := t.(ParamValidator); ok {
		return v.Validate(params)
	}
	return nil
}

// Validate checks the handler binding of a compiled rule.
func (r *Registry) Validate(rule *router.Rule) error {
	return r.ValidateHandler(rule.Handler, rule.Params)
}

// instanceKey identifies the instance serving rule. Shareable types key
// by type and parameters; everything else gets one instance per rule.
func instanceKey(t Type, rule *router.Rule) string {
	data, err := json.Marshal(rule.Params)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", rule.Params))
	}
	sum := sha256.Sum256(append([]byte(rule.Handler+"\x00"), data...))
	hash := hex.EncodeToString(sum[:8])
	if isShareable(t) {
		return "shared:" + rule.Handler + "@" + hash
	}
	return "rule:" + rule.ID + "@" + hash
}

// Prepare creates instances for rules that have none yet. Instances of
// eager types are set up right away; a failed eager setup is logged and
// retried on first acquisition. Prepare only fails for unknown handler
// types or a cancelled context.
func (r *Registry) Prepare(ctx context.Context, rules []*router.Rule) error {
	var created []*instance

	r.mu.Lock()
	for _, rule := range rules {
		t, ok := r.types[rule.Handler]
		if !ok {
			r.mu.Unlock()
			r.discard(created)
			return util.NewHandlerInitError(rule.ID, rule.Handler,
				fmt.Errorf("%w: handler %q", util.ErrUnknownType, rule.Handler))
		}
		key := instanceKey(t, rule)
		if _, exists := r.instances[key]; exists {
			continue
		}
		inst := newInstance(key, t, rule)
		r.instances[key] = inst
		created = append(created, inst)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSetups)
	for _, inst := range created {
		if !isEager(inst.typ) {
			continue
		}
		g.Go(func() error {
			if err := inst.setup(gctx, r.metrics); err != nil {
				r.logger.Warn("eager handler setup failed, will retry on first request",
					observability.String("rule", inst.ruleID),
					observability.String("handler", inst.handlerType),
					observability.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		r.discard(created)
		return err
	}

	r.logger.Debug("handlers prepared",
		observability.Int("rules", len(rules)),
		observability.Int("created", len(created)),
	)
	return nil
}

// discard removes instances created by an aborted Prepare and releases
// them immediately. They were never reachable from a published table.
func (r *Registry) discard(instances []*instance) {
	r.mu.Lock()
	for _, inst := range instances {
		delete(r.instances, inst.key)
	}
	r.mu.Unlock()

	for _, inst := range instances {
		inst.teardown(r.logger, r.metrics, false)
	}
}

// Commit makes rules the current set. Instances no longer referenced are
// retired and drained.
func (r *Registry) Commit(rules []*router.Rule) {
	next := make(map[string]struct{}, len(rules))
	byRuleID := make(map[string]*instance, len(rules))

	r.mu.Lock()
	for _, rule := range rules {
		t, ok := r.types[rule.Handler]
		if !ok {
			continue
		}
		key := instanceKey(t, rule)
		inst, ok := r.instances[key]
		if !ok {
			continue
		}
		next[key] = struct{}{}
		byRuleID[rule.ID] = inst
	}

	var retired []*instance
	for key, inst := range r.instances {
		if _, keep := next[key]; !keep {
			retired = append(retired, inst)
			delete(r.instances, key)
		}
	}
	r.current = next
	r.byRuleID = byRuleID
	live := len(r.instances)
	r.mu.Unlock()

	r.metrics.instances.Set(float64(live))

	for _, inst := range retired {
		r.retire(inst)
	}
}

// Abort discards instances prepared for rules that did not become
// current.
func (r *Registry) Abort(rules []*router.Rule) {
	var dropped []*instance

	r.mu.Lock()
	for _, rule := range rules {
		t, ok := r.types[rule.Handler]
		if !ok {
			continue
		}
		key := instanceKey(t, rule)
		if _, live := r.current[key]; live {
			continue
		}
		if inst, ok := r.instances[key]; ok {
			dropped = append(dropped, inst)
			delete(r.instances, key)
		}
	}
	r.mu.Unlock()

	for _, inst := range dropped {
		inst.teardown(r.logger, r.metrics, false)
	}
}

func (r *Registry) retire(inst *instance) {
	if inst.markRetired() {
		inst.teardown(r.logger, r.metrics, false)
		return
	}

	r.logger.Debug("draining handler instance",
		observability.String("rule", inst.ruleID),
		observability.String("handler", inst.handlerType),
	)

	r.draining.Add(1)
	go func() {
		defer r.draining.Done()
		timer := time.NewTimer(r.drainTimeout)
		defer timer.Stop()

		select {
		case <-inst.idle:
			inst.teardown(r.logger, r.metrics, false)
		case <-timer.C:
			inst.teardown(r.logger, r.metrics, true)
		}
	}()
}

// Acquire returns a lease on the instance serving rule, setting the
// instance up first if needed. The lease must be released when the
// request completes. Acquire fails with util.ErrRuleRetired when the
// instance is no longer live, and with a *util.HandlerInitError when
// setup fails.
func (r *Registry) Acquire(ctx context.Context, rule *router.Rule) (*Lease, error) {
	t, err := r.lookupType(rule.Handler)
	if err != nil {
		return nil, util.NewHandlerInitError(rule.ID, rule.Handler, err)
	}
	key := instanceKey(t, rule)

	r.mu.Lock()
	inst, ok := r.instances[key]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("rule %q: %w", rule.ID, util.ErrRuleRetired)
	}

	if !inst.acquire() {
		return nil, fmt.Errorf("rule %q: %w", rule.ID, util.ErrRuleRetired)
	}

	if err := inst.setup(ctx, r.metrics); err != nil {
		inst.done()
		if errors.Is(err, util.ErrResourceTornDown) {
			return nil, fmt.Errorf("rule %q: %w", rule.ID, util.ErrRuleRetired)
		}
		return nil, util.NewHandlerInitError(rule.ID, rule.Handler, err)
	}

	r.metrics.leases.Inc()
	lease := newLease(ctx, inst, r.metrics)
	if lease.handler == nil {
		lease.Release()
		return nil, fmt.Errorf("rule %q: %w", rule.ID, util.ErrRuleRetired)
	}
	return lease, nil
}

// Get returns the handler instance of the current rule with the given
// identifier. It reports false when there is none or it is not set up.
func (r *Registry) Get(ruleID string) (Handler, bool) {
	r.mu.Lock()
	inst, ok := r.byRuleID[ruleID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	h := inst.current()
	return h, h != nil
}

// Close retires every instance and waits until all of them are released
// or the context ends.
func (r *Registry) Close(ctx context.Context) error {
	r.Commit(nil)

	done := make(chan struct{})
	go func() {
		r.draining.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
