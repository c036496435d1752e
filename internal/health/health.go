// Package health reports liveness and readiness of the process from a set
// of registered dependency checks.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the service is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the service is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the service is degraded but operational.
	StatusDegraded Status = "degraded"
)

// DefaultCheckTimeout bounds every check of a readiness request.
const DefaultCheckTimeout = 2 * time.Second

// Check is the result of one dependency check.
type Check struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
}

// Report is the response of a liveness or readiness request.
type Report struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc checks a dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type dependency struct {
	name     string
	check    CheckFunc
	critical bool
}

// CheckOption configures a registered check.
type CheckOption func(*dependency)

// WithCritical sets whether a failing check makes the process unready.
// Non-critical failures only degrade the report. Checks are critical by
// default.
func WithCritical(critical bool) CheckOption {
	return func(d *dependency) {
		d.critical = critical
	}
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout sets the per-check timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		c.timeout = d
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

// Checker provides health and readiness checking functionality.
type Checker struct {
	version   string
	startTime time.Time
	timeout   time.Duration
	metrics   *Metrics

	mu   sync.RWMutex
	deps map[string]*dependency
}

// NewChecker creates a new health checker.
func NewChecker(version string, opts ...Option) *Checker {
	c := &Checker{
		version:   version,
		startTime: time.Now(),
		timeout:   DefaultCheckTimeout,
		deps:      make(map[string]*dependency),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = GetMetrics()
	}
	return c
}

// Register adds a check, replacing any check with the same name.
func (c *Checker) Register(name string, check CheckFunc, opts ...CheckOption) {
	d := &dependency{name: name, check: check, critical: true}
	for _, opt := range opts {
		opt(d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps[name] = d
}

// Unregister removes a check.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deps, name)
}

// Names returns the registered check names in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.deps))
	for name := range c.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Liveness reports that the process is up. It runs no checks.
func (c *Checker) Liveness() Report {
	return Report{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
}

// Readiness runs every check concurrently and aggregates the results.
// A failing critical check makes the report unhealthy; any other failure
// degrades it.
func (c *Checker) Readiness(ctx context.Context) Report {
	c.mu.RLock()
	deps := make([]*dependency, 0, len(c.deps))
	for _, d := range c.deps {
		deps = append(deps, d)
	}
	c.mu.RUnlock()

	results := make([]Check, len(deps))
	var wg sync.WaitGroup
	for i, d := range deps {
		wg.Add(1)
		go func(i int, d *dependency) {
			defer wg.Done()
			results[i] = c.run(ctx, d)
		}(i, d)
	}
	wg.Wait()

	report := Report{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Checks:    make(map[string]Check, len(deps)),
		Timestamp: time.Now(),
	}
	for i, d := range deps {
		check := results[i]
		report.Checks[d.name] = check
		switch {
		case check.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case check.Status == StatusDegraded && report.Status != StatusUnhealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, d *dependency) Check {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	err := d.check(ctx)
	c.metrics.record(d.name, err == nil, time.Since(start))

	if err == nil {
		return Check{Status: StatusHealthy, Critical: d.critical}
	}
	status := StatusDegraded
	if d.critical {
		status = StatusUnhealthy
	}
	return Check{Status: status, Message: err.Error(), Critical: d.critical}
}
