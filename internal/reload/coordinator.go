// Package reload owns the write side of the route table: it turns
// configuration sources into a new generation and publishes it, or
// leaves the running one untouched.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaserve/internal/config"
	"github.com/vyrodovalexey/avaserve/internal/handler"
	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/pipeline"
	"github.com/vyrodovalexey/avaserve/internal/router"
)

// Reload phases used as the phase label of failures.
const (
	phaseLoad    = "load"
	phaseDecode  = "decode"
	phaseCompile = "compile"
	phasePrepare = "prepare"
	phasePublish = "publish"
)

// ErrNoSources is returned when a reload has nothing to read.
var ErrNoSources = errors.New("no configuration sources")

// TaskScheduler receives the tasks of every published table.
type TaskScheduler interface {
	Update(tasks []*router.Rule)
}

// FileWatcher is told which files the last successful load read.
type FileWatcher interface {
	SetFiles(files []string) error
}

// Status describes the outcome of the most recent reloads.
type Status struct {
	Generation  uint64    `json:"generation"`
	Sources     []string  `json:"sources"`
	Files       []string  `json:"files"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
	LastAttempt time.Time `json:"lastAttempt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Coordinator serializes reloads. A reload loads and merges the
// sources, compiles a candidate table, prepares its handlers and stages,
// then swaps it in and retires what the previous table used. A failure at
// any step leaves the live table as it was.
type Coordinator struct {
	loader    *config.Loader
	router    *router.Router
	handlers  *handler.Registry
	executor  *pipeline.Executor
	scheduler TaskScheduler
	watcher   FileWatcher
	logger    observability.Logger
	metrics   *Metrics
	sources   []string

	mu         sync.Mutex
	generation uint64
	spec       *config.Spec

	statusMu sync.RWMutex
	status   Status
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLoader replaces the default configuration loader.
func WithLoader(l *config.Loader) Option {
	return func(c *Coordinator) {
		c.loader = l
	}
}

// WithScheduler sets the scheduler updated after every publish.
func WithScheduler(s TaskScheduler) Option {
	return func(c *Coordinator) {
		c.scheduler = s
	}
}

// WithWatcher sets the watcher whose file set follows the loaded files.
func WithWatcher(w FileWatcher) Option {
	return func(c *Coordinator) {
		c.watcher = w
	}
}

// WithSources sets the sources read when Reload is called without any.
func WithSources(sources ...string) Option {
	return func(c *Coordinator) {
		c.sources = sources
	}
}

// New creates a coordinator publishing into rt.
func New(rt *router.Router, handlers *handler.Registry, executor *pipeline.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		router:   rt,
		handlers: handlers,
		executor: executor,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.loader == nil {
		c.loader = config.NewLoader(config.WithLoaderLogger(c.logger))
	}
	if c.metrics == nil {
		c.metrics = GetMetrics()
	}
	c.generation = rt.Current().Generation()
	c.status.Generation = c.generation
	c.status.Sources = c.sources
	return c
}

// SetWatcher attaches a watcher after construction, for watchers whose
// callback needs the coordinator.
func (c *Coordinator) SetWatcher(w FileWatcher) {
	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()
}

// Spec returns the configuration of the live generation, or nil before
// the first successful reload.
func (c *Coordinator) Spec() *config.Spec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec
}

// Status returns a snapshot of the reload status.
func (c *Coordinator) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	s := c.status
	s.Sources = append([]string(nil), s.Sources...)
	s.Files = append([]string(nil), s.Files...)
	return s
}

// Reload builds and publishes a new generation from sources, or from the
// configured sources when none are given. It returns the generation now
// live. Concurrent calls run one after the other.
func (c *Coordinator) Reload(ctx context.Context, sources ...string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(sources) == 0 {
		sources = c.sources
	}
	if len(sources) == 0 {
		return c.generation, ErrNoSources
	}

	start := time.Now()
	gen, files, err := c.reload(ctx, sources)
	c.metrics.reloadDuration.Observe(time.Since(start).Seconds())

	c.statusMu.Lock()
	c.status.LastAttempt = start
	c.status.Sources = append([]string(nil), sources...)
	if err != nil {
		c.status.LastError = err.Error()
	} else {
		c.status.Generation = gen
		c.status.Files = files
		c.status.LastSuccess = time.Now()
		c.status.LastError = ""
	}
	c.statusMu.Unlock()

	if err != nil {
		c.metrics.reloadTotal.WithLabelValues(resultError).Inc()
		c.logger.Error("configuration reload failed",
			observability.Strings("sources", sources),
			observability.Uint64("generation", c.generation),
			observability.Duration("duration", time.Since(start)),
			observability.Error(err),
		)
		return c.generation, err
	}

	c.metrics.reloadTotal.WithLabelValues(resultSuccess).Inc()
	c.metrics.reloadLastSuccess.SetToCurrentTime()
	c.logger.Info("configuration reloaded",
		observability.Uint64("generation", gen),
		observability.Int("files", len(files)),
		observability.Duration("duration", time.Since(start)),
	)
	return gen, nil
}

// reload runs one attempt. It must be called with mu held.
func (c *Coordinator) reload(ctx context.Context, sources []string) (uint64, []string, error) {
	root, files, err := c.loader.Load(sources...)
	if err != nil {
		return 0, nil, c.fail(phaseLoad, err)
	}
	spec, err := config.Decode(root)
	if err != nil {
		return 0, nil, c.fail(phaseDecode, err)
	}

	next := c.generation + 1
	table, err := router.Compile(spec, next, router.WithValidator(validator{
		handlers: c.handlers,
		stages:   c.executor.Stages(),
	}))
	if err != nil {
		return 0, nil, c.fail(phaseCompile, err)
	}

	rules := table.All()
	if err := c.handlers.Prepare(ctx, rules); err != nil {
		c.handlers.Abort(rules)
		return 0, nil, c.fail(phasePrepare, err)
	}
	if err := c.executor.Prepare(ctx, rules); err != nil {
		c.handlers.Abort(rules)
		c.executor.Abort(rules)
		return 0, nil, c.fail(phasePrepare, err)
	}

	// Nothing is published once the context is done.
	if err := ctx.Err(); err != nil {
		c.handlers.Abort(rules)
		c.executor.Abort(rules)
		return 0, nil, c.fail(phasePublish, err)
	}

	c.router.Swap(table)
	c.handlers.Commit(rules)
	c.executor.Commit(rules)
	c.generation = next
	c.spec = spec

	if c.scheduler != nil {
		c.scheduler.Update(table.Tasks())
	}
	if c.watcher != nil {
		if err := c.watcher.SetFiles(files); err != nil {
			c.logger.Warn("failed to update watched files", observability.Error(err))
		}
	}
	return next, files, nil
}

func (c *Coordinator) fail(phase string, err error) error {
	c.metrics.reloadFailures.WithLabelValues(phase).Inc()
	return fmt.Errorf("%s: %w", phase, err)
}

// validator checks handler references against the handler registry and
// stage references against the executor's stage types.
type validator struct {
	handlers *handler.Registry
	stages   *pipeline.StageRegistry
}

func (v validator) ValidateHandler(handlerType string, params map[string]any) error {
	return v.handlers.ValidateHandler(handlerType, params)
}

func (v validator) ValidateStage(stageType string, params map[string]any) error {
	return v.stages.ValidateStage(stageType, params)
}
