package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/avaserve/internal/cache"
	"github.com/vyrodovalexey/avaserve/internal/handler"
	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/request"
	"github.com/vyrodovalexey/avaserve/internal/router"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

const (
	tracerName = "avaserve/pipeline"

	// DefaultMaxCacheBody is the largest response body stored in the
	// response cache.
	DefaultMaxCacheBody = 10 << 20

	// HeaderCache reports whether a response was served from the cache.
	HeaderCache = "X-Cache"

	// TaskMethod is the request method seen by scheduled task handlers.
	TaskMethod = "TASK"
)

type namedStage struct {
	name  string
	typ   string
	stage Stage
}

// chain is the built stage list of one rule version.
type chain struct {
	stages []namedStage
}

var emptyChain = &chain{}

// Executor runs the stages, the cache step and the handler of a rule.
//
// Stage instances are built per rule version (rule key) during Prepare and
// become live on Commit, so stateful stages such as rate limits keep their
// state across reloads that leave the rule unchanged.
type Executor struct {
	handlers   *handler.Registry
	stageTypes *StageRegistry
	store      cache.Cache
	logger     observability.Logger
	metrics    *Metrics
	maxBody    int

	mu      sync.RWMutex
	chains  map[string]*chain
	pending map[string]*chain

	fills singleflight.Group
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics the executor reports to.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithCache sets the response cache store. Without one, cache policies
// of rules are ignored.
func WithCache(c cache.Cache) Option {
	return func(e *Executor) {
		e.store = c
	}
}

// WithStageRegistry replaces the built-in stage types.
func WithStageRegistry(r *StageRegistry) Option {
	return func(e *Executor) {
		e.stageTypes = r
	}
}

// WithMaxCacheBody sets the largest body stored in the cache.
func WithMaxCacheBody(n int) Option {
	return func(e *Executor) {
		e.maxBody = n
	}
}

// NewExecutor creates an executor running handlers from the registry.
func NewExecutor(handlers *handler.Registry, opts ...Option) *Executor {
	e := &Executor{
		handlers: handlers,
		logger:   observability.NopLogger(),
		maxBody:  DefaultMaxCacheBody,
		chains:   make(map[string]*chain),
		pending:  make(map[string]*chain),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.stageTypes == nil {
		e.stageTypes = DefaultStageRegistry()
	}
	if e.metrics == nil {
		e.metrics = GetMetrics()
	}
	return e
}

// Stages returns the stage type registry.
func (e *Executor) Stages() *StageRegistry {
	return e.stageTypes
}

// Prepare builds the stages of rules that are not live yet. On error
// nothing built by this call is kept.
func (e *Executor) Prepare(ctx context.Context, rules []*router.Rule) error {
	built := make(map[string]*chain)
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(rule.Stages) == 0 || built[rule.Key] != nil || e.lookupChain(rule.Key) != nil {
			continue
		}
		c, err := e.build(rule)
		if err != nil {
			return err
		}
		built[rule.Key] = c
	}

	e.mu.Lock()
	for key, c := range built {
		e.pending[key] = c
	}
	e.mu.Unlock()
	return nil
}

func (e *Executor) build(rule *router.Rule) (*chain, error) {
	c := &chain{stages: make([]namedStage, 0, len(rule.Stages))}
	for _, spec := range rule.Stages {
		s, err := e.stageTypes.Build(spec.Type, spec.Params)
		if err != nil {
			return nil, util.NewStageError(rule.ID, spec.Name, err)
		}
		c.stages = append(c.stages, namedStage{name: spec.Name, typ: spec.Type, stage: s})
	}
	return c, nil
}

func (e *Executor) lookupChain(key string) *chain {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if c, ok := e.chains[key]; ok {
		return c
	}
	return e.pending[key]
}

// Commit makes the stages of rules live and drops those of every other
// rule version.
func (e *Executor) Commit(rules []*router.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*chain, len(rules))
	for _, rule := range rules {
		if len(rule.Stages) == 0 {
			continue
		}
		c, ok := e.chains[rule.Key]
		if !ok {
			c, ok = e.pending[rule.Key]
		}
		if !ok {
			e.logger.Warn("committing rule without prepared stages",
				observability.String("rule", rule.ID))
			continue
		}
		next[rule.Key] = c
	}
	e.chains = next
	e.pending = make(map[string]*chain)
}

// Abort drops stages prepared for rules that did not become live.
func (e *Executor) Abort(rules []*router.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rule := range rules {
		delete(e.pending, rule.Key)
	}
}

func (e *Executor) chainFor(rule *router.Rule) (*chain, error) {
	if len(rule.Stages) == 0 {
		return emptyChain, nil
	}
	c := e.lookupChain(rule.Key)
	if c == nil {
		return nil, fmt.Errorf("stages of rule %q: %w", rule.ID, util.ErrRuleRetired)
	}
	return c, nil
}

// Execute runs the pipeline of the rule matched for rc.
func (e *Executor) Execute(rc *request.Context) (*request.Response, error) {
	return e.run(rc, true)
}

// Invoke runs a scheduled task rule. Tasks go through their stages and
// handler but never through the response cache.
func (e *Executor) Invoke(ctx context.Context, rule *router.Rule) (*request.Response, error) {
	req := &request.Request{
		Method: TaskMethod,
		Path:   "/",
		Header: make(http.Header),
		Query:  make(url.Values),
	}
	return e.run(request.NewContext(ctx, req, rule, nil, 0), false)
}

func (e *Executor) run(rc *request.Context, useCache bool) (*request.Response, error) {
	rule := rc.Rule
	if rule == nil {
		return nil, errors.New("request context has no rule")
	}

	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(rc.Context(), "pipeline.Execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("rule.id", rule.ID),
			attribute.String("rule.handler", rule.Handler),
			attribute.Int64("table.generation", int64(rc.Generation)), //nolint:gosec // generations stay far below 2^63
		),
	)
	defer span.End()
	rc.SetContext(ctx)

	resp, outcome, err := e.execute(rc, useCache)

	e.metrics.executionsTotal.WithLabelValues(rule.ID, outcome).Inc()
	e.metrics.executionDuration.WithLabelValues(rule.ID).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	return resp, nil
}

func (e *Executor) execute(rc *request.Context, useCache bool) (*request.Response, string, error) {
	rule := rc.Rule
	c, err := e.chainFor(rule)
	if err != nil {
		return nil, outcomeError, err
	}

	var resp *request.Response
	outcome := outcomeHandled
	passed := 0
	for _, ns := range c.stages {
		if err = rc.Context().Err(); err != nil {
			break
		}
		resp, err = e.runStage(rc, ns)
		if err != nil {
			err = util.NewStageError(rule.ID, ns.name, err)
			break
		}
		if resp != nil {
			outcome = outcomeShortCircuit
			e.metrics.stageRejections.WithLabelValues(rule.ID, ns.name, strconv.Itoa(resp.Status)).Inc()
			e.logger.Debug("stage answered request",
				observability.String("rule", rule.ID),
				observability.String("stage", ns.name),
				observability.Int("status", resp.Status))
			break
		}
		passed++
	}

	if err == nil && resp == nil {
		if err = rc.Context().Err(); err == nil {
			resp, outcome, err = e.respond(rc, useCache)
		}
	}

	for i := passed - 1; i >= 0; i-- {
		if f, ok := c.stages[i].stage.(Finisher); ok {
			resp, err = f.Finish(rc, resp, err)
		}
	}

	switch {
	case err == nil && resp == nil:
		err = fmt.Errorf("rule %q produced no response", rule.ID)
		outcome = outcomeError
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		outcome = outcomeCancelled
	case err != nil:
		outcome = outcomeError
	}
	return resp, outcome, err
}

func (e *Executor) runStage(rc *request.Context, ns namedStage) (*request.Response, error) {
	_, span := otel.Tracer(tracerName).Start(rc.Context(), "pipeline.stage",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("stage.name", ns.name),
			attribute.String("stage.type", ns.typ),
		),
	)
	defer span.End()

	resp, err := ns.stage.Before(rc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if resp != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	}
	return resp, err
}

// respond produces the response of the handler, going through the
// response cache when the rule declares a cache policy.
func (e *Executor) respond(rc *request.Context, useCache bool) (*request.Response, string, error) {
	policy := rc.Rule.Cache
	if !useCache || policy == nil || e.store == nil {
		resp, err := e.invoke(rc)
		return resp, outcomeHandled, err
	}
	if !policy.AllowsMethod(rc.Request.Method) {
		rc.SetCacheStatus(request.CacheStatusBypass)
		e.metrics.cacheRequests.WithLabelValues(rc.Rule.ID, "bypass").Inc()
		resp, err := e.invoke(rc)
		return resp, outcomeHandled, err
	}

	key := cache.Key(rc.Rule, rc.Request)
	if resp, ok := e.lookup(rc, key); ok {
		return resp, outcomeCached, nil
	}

	rc.SetCacheStatus(request.CacheStatusMiss)
	e.metrics.cacheRequests.WithLabelValues(rc.Rule.ID, "miss").Inc()

	v, err, _ := e.fills.Do(key, func() (any, error) {
		return e.fill(rc, key, policy.TTL)
	})
	if err != nil {
		// The run we waited for was cancelled on behalf of another
		// request; this one is still live, so run the handler itself.
		if isContextError(err) && rc.Context().Err() == nil {
			resp, err := e.invoke(rc)
			return resp, outcomeHandled, err
		}
		return nil, outcomeError, err
	}

	res := v.(*fillResult)
	if res.owner != rc {
		e.metrics.cacheCollapsed.Inc()
		if res.resp.Stream != nil {
			resp, err := e.invoke(rc)
			return resp, outcomeHandled, err
		}
		return res.resp.Clone(), outcomeHandled, nil
	}
	if res.resp.Stream != nil {
		return res.resp, outcomeHandled, nil
	}
	return res.resp.Clone(), outcomeHandled, nil
}

type fillResult struct {
	resp  *request.Response
	owner *request.Context
}

// fill runs the handler for a cache miss and stores a cacheable
// response. The returned response is shared by every collapsed request
// and must only be cloned.
func (e *Executor) fill(rc *request.Context, key string, ttl time.Duration) (*fillResult, error) {
	resp, err := e.invoke(rc)
	if err != nil {
		return nil, err
	}
	res := &fillResult{resp: resp, owner: rc}

	if !e.cacheable(resp) {
		return res, nil
	}
	if rc.Context().Err() != nil {
		return res, nil
	}

	entry := &cache.Entry{
		Status:    resp.Status,
		Header:    resp.Header.Clone(),
		Body:      resp.Body,
		CreatedAt: time.Now(),
	}
	data, err := entry.Encode()
	if err == nil {
		err = e.store.Set(rc.Context(), key, data, ttl)
	}
	if err != nil {
		e.logger.Warn("failed to store response in cache",
			observability.String("rule", rc.Rule.ID),
			observability.Error(err))
		return res, nil
	}
	resp.Header.Set(HeaderCache, request.CacheStatusMiss)
	return res, nil
}

func (e *Executor) lookup(rc *request.Context, key string) (*request.Response, bool) {
	data, err := e.store.Get(rc.Context(), key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn("cache lookup failed",
				observability.String("rule", rc.Rule.ID),
				observability.Error(err))
		}
		return nil, false
	}
	entry, err := cache.DecodeEntry(data)
	if err != nil {
		e.logger.Warn("discarding undecodable cache entry",
			observability.String("rule", rc.Rule.ID),
			observability.Error(err))
		_ = e.store.Delete(rc.Context(), key)
		return nil, false
	}

	resp := &request.Response{Status: entry.Status, Header: entry.Header, Body: entry.Body}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderCache, request.CacheStatusHit)
	resp.Header.Set("Age", strconv.Itoa(int(entry.Age().Seconds())))

	rc.SetCacheStatus(request.CacheStatusHit)
	e.metrics.cacheRequests.WithLabelValues(rc.Rule.ID, "hit").Inc()
	return resp, true
}

func (e *Executor) cacheable(resp *request.Response) bool {
	if resp.Stream != nil || resp.Status < 200 || resp.Status > 299 || len(resp.Body) > e.maxBody {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "private")
}

// invoke runs the rule's handler under a lease on its instance.
func (e *Executor) invoke(rc *request.Context) (*request.Response, error) {
	rule := rc.Rule
	lease, err := e.handlers.Acquire(rc.Context(), rule)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	parent := rc.Context()
	ctx, span := otel.Tracer(tracerName).Start(lease.Context(), "pipeline.handler",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("handler.type", rule.Handler)),
	)
	defer span.End()
	rc.SetContext(ctx)
	defer rc.SetContext(parent)

	resp, err := lease.Handler().Handle(rc)
	if err == nil && resp == nil {
		err = errors.New("handler returned no response")
	}
	if err != nil {
		if cause := context.Cause(lease.Context()); cause != nil && errors.Is(cause, util.ErrResourceTornDown) {
			err = fmt.Errorf("rule %q: %w", rule.ID, util.ErrResourceTornDown)
		} else if !errors.Is(err, util.ErrHandlerFailed) {
			err = util.NewHandlerError(rule.ID, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return resp, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
