// Package scheduler runs task rules on interval, calendar or startup
// triggers.
//
// Every task gets its own goroutine and timer. A trigger that fires while
// the previous run of the same task is still going is skipped; the loop
// then waits for that run and resumes at the next trigger after it, so
// runs of one task never overlap. Reloads keep unchanged tasks with their
// history and never cancel a run in progress.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/request"
	"github.com/vyrodovalexey/avaserve/internal/router"
)

// Invoker runs a task rule.
type Invoker interface {
	Invoke(ctx context.Context, rule *router.Rule) (*request.Response, error)
}

// Entry is a snapshot of one scheduled task. Skipped counts triggers
// that fired while the previous run was still going; an overrun skips
// one trigger. Missed counts the activations that passed while the loop
// then waited for that run.
type Entry struct {
	ID           string         `json:"id"`
	Handler      string         `json:"handler"`
	Trigger      string         `json:"trigger"`
	Params       map[string]any `json:"params,omitempty"`
	LastRun      time.Time      `json:"lastRun,omitempty"`
	NextRun      time.Time      `json:"nextRun,omitempty"`
	LastDuration time.Duration  `json:"lastDuration"`
	LastError    string         `json:"lastError,omitempty"`
	Runs         uint64         `json:"runs"`
	Failures     uint64         `json:"failures"`
	Skipped      uint64         `json:"skipped"`
	Missed       uint64         `json:"missed"`
	Running      bool           `json:"running"`
}

// gate admits one run of a task at a time. It is shared by the
// successive versions of a task so a changed task does not start while
// the previous version is still running.
type gate struct {
	mu   sync.Mutex
	idle chan struct{}
}

// enter claims the gate. When a run is in progress it returns the channel
// closed at the end of that run and false.
func (g *gate) enter() (chan struct{}, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idle != nil {
		return g.idle, false
	}
	g.idle = make(chan struct{})
	return g.idle, true
}

func (g *gate) leave(idle chan struct{}) {
	g.mu.Lock()
	g.idle = nil
	g.mu.Unlock()
	close(idle)
}

func (g *gate) busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idle != nil
}

type entry struct {
	rule *router.Rule
	trig trigger
	gate *gate

	stop     chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	lastRun      time.Time
	nextRun      time.Time
	lastDuration time.Duration
	lastErr      string
	runs         uint64
	failures     uint64
	skipped      uint64
	missed       uint64
}

func (e *entry) halt() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *entry) setNext(t time.Time) {
	e.mu.Lock()
	e.nextRun = t
	e.mu.Unlock()
}

func (e *entry) snapshot() Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Entry{
		ID:           e.rule.ID,
		Handler:      e.rule.Handler,
		Trigger:      e.trig.String(),
		Params:       e.rule.Params,
		LastRun:      e.lastRun,
		NextRun:      e.nextRun,
		LastDuration: e.lastDuration,
		LastError:    e.lastErr,
		Runs:         e.runs,
		Failures:     e.failures,
		Skipped:      e.skipped,
		Missed:       e.missed,
		Running:      e.gate.busy(),
	}
}

// Scheduler triggers task rules.
type Scheduler struct {
	invoker Invoker
	logger  observability.Logger
	metrics *Metrics

	mu      sync.Mutex
	started bool
	ctx     context.Context
	runCtx  context.Context
	cancel  context.CancelFunc
	entries map[string]*entry
	order   []string

	loops sync.WaitGroup
	runs  sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a scheduler running tasks through invoker.
func New(invoker Invoker, opts ...Option) *Scheduler {
	s := &Scheduler{
		invoker: invoker,
		logger:  observability.NopLogger(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = GetMetrics()
	}
	return s
}

// Start launches the loops of the current tasks and of tasks added by
// later updates. Runs use a context that keeps the values of ctx but is
// only cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx = ctx
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, id := range s.order {
		s.launch(s.entries[id])
	}
	s.logger.Info("scheduler started", observability.Int("tasks", len(s.order)))
}

// Stop halts every loop and waits for runs in progress until ctx ends,
// at which point they are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	for _, e := range s.entries {
		e.halt()
	}
	cancel := s.cancel
	s.mu.Unlock()

	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	defer cancel()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stopped with task runs in progress")
		return ctx.Err()
	}
}

// Update replaces the task set. Tasks whose key did not change keep
// their loop and history; changed and removed tasks stop triggering but
// runs in progress are left to finish.
func (s *Scheduler) Update(tasks []*router.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	next := make(map[string]*entry, len(tasks))
	order := make([]string, 0, len(tasks))
	var kept, started int

	for _, rule := range tasks {
		if rule.Schedule == nil {
			continue
		}
		old, exists := s.entries[rule.ID]
		if exists && old.rule.Key == rule.Key {
			next[rule.ID] = old
			order = append(order, rule.ID)
			delete(s.entries, rule.ID)
			kept++
			continue
		}

		trig, err := newTrigger(rule.Schedule, now)
		if err != nil {
			s.logger.Error("cannot schedule task",
				observability.String("task", rule.ID),
				observability.Error(err))
			continue
		}
		e := &entry{rule: rule, trig: trig, gate: &gate{}, stop: make(chan struct{})}
		if exists {
			e.gate = old.gate
		}
		next[rule.ID] = e
		order = append(order, rule.ID)
		if s.started {
			s.launch(e)
		}
		started++
	}

	for _, old := range s.entries {
		old.halt()
	}
	removed := len(s.entries)
	s.entries = next
	s.order = order
	s.metrics.entries.Set(float64(len(next)))

	s.logger.Debug("schedule updated",
		observability.Int("kept", kept),
		observability.Int("started", started),
		observability.Int("stopped", removed),
	)
}

// Entries returns snapshots of the scheduled tasks in declaration order.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.entries[id])
	}
	s.mu.Unlock()

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// launch must be called with mu held and the scheduler started.
func (s *Scheduler) launch(e *entry) {
	s.loops.Add(1)
	go s.loop(s.ctx, e)
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.loops.Done()

	if e.rule.Schedule.Startup {
		s.fire(e)
	}

	for {
		next := e.trig.next(time.Now())
		e.setNext(next)
		if next.IsZero() {
			select {
			case <-e.stop:
			case <-ctx.Done():
			}
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-e.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if idle, skipped := s.fire(e); skipped {
			select {
			case <-idle:
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			}
			if n := missedTriggers(e.trig, next, time.Now()); n > 0 {
				e.mu.Lock()
				e.missed += n
				e.mu.Unlock()
				s.logger.Debug("scheduled activations passed during overrun",
					observability.String("task", e.rule.ID),
					observability.Uint64("missed", n))
			}
		}
	}
}

// fire starts a run unless one is in progress, in which case the trigger
// is recorded as skipped and the channel closed at the end of the running
// invocation is returned.
func (s *Scheduler) fire(e *entry) (<-chan struct{}, bool) {
	idle, ok := e.gate.enter()
	if !ok {
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		s.metrics.skippedTotal.WithLabelValues(e.rule.ID).Inc()
		s.logger.Warn("skipping scheduled run, previous run still in progress",
			observability.String("task", e.rule.ID))
		return idle, true
	}

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	s.runs.Add(1)
	s.metrics.running.Inc()
	go func() {
		defer s.runs.Done()
		defer s.metrics.running.Dec()
		defer e.gate.leave(idle)
		s.run(runCtx, e)
	}()
	return nil, false
}

// missedTriggers counts the activations of trig after from and no later
// than now.
func missedTriggers(trig trigger, from, now time.Time) uint64 {
	var n uint64
	for t := trig.next(from); !t.IsZero() && !t.After(now); t = trig.next(t) {
		n++
	}
	return n
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	if timeout := e.rule.Schedule.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	e.mu.Lock()
	e.lastRun = start
	e.mu.Unlock()

	err := s.invoke(ctx, e.rule)
	elapsed := time.Since(start)
	s.metrics.runDuration.WithLabelValues(e.rule.ID).Observe(elapsed.Seconds())

	e.mu.Lock()
	e.runs++
	e.lastDuration = elapsed
	if err != nil {
		e.failures++
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
	}
	e.mu.Unlock()

	if err != nil {
		s.metrics.runsTotal.WithLabelValues(e.rule.ID, resultError).Inc()
		s.logger.Error("scheduled task failed",
			observability.String("task", e.rule.ID),
			observability.Duration("duration", elapsed),
			observability.Error(err))
		return
	}
	s.metrics.runsTotal.WithLabelValues(e.rule.ID, resultSuccess).Inc()
	s.logger.Debug("scheduled task completed",
		observability.String("task", e.rule.ID),
		observability.Duration("duration", elapsed))
}

// invoke runs the task, turning panics and server error responses into
// errors.
func (s *Scheduler) invoke(ctx context.Context, rule *router.Rule) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	resp, err := s.invoker.Invoke(ctx, rule)
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.New("task returned no response")
	}
	if resp.Stream != nil {
		_ = resp.Stream.Close()
	}
	if resp.Status >= http.StatusInternalServerError {
		return fmt.Errorf("task responded with status %d", resp.Status)
	}
	return nil
}
