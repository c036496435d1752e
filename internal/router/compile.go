package router

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sarslanhan/cronmask"

	"github.com/vyrodovalexey/avaserve/internal/config"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

// Validator checks handler and stage references while compiling. A
// reference to a type the validator does not know is reported by
// returning an error wrapping util.ErrUnknownType.
type Validator interface {
	ValidateHandler(handlerType string, params map[string]any) error
	ValidateStage(stageType string, params map[string]any) error
}

// CompileOption is a functional option for Compile.
type CompileOption func(*compiler)

// WithValidator checks every handler and stage reference with v.
func WithValidator(v Validator) CompileOption {
	return func(c *compiler) {
		c.validator = v
	}
}

// WithDefaultCacheTTL sets the TTL of cache declarations that omit one.
func WithDefaultCacheTTL(ttl time.Duration) CompileOption {
	return func(c *compiler) {
		c.defaultTTL = ttl
	}
}

var defaultCacheMethods = []string{http.MethodGet, http.MethodHead}

type compiler struct {
	validator  Validator
	defaultTTL time.Duration
	ids        map[string]struct{}
}

// Compile turns a decoded configuration into an immutable route table.
// Nothing is published: the caller decides whether to swap the result in.
func Compile(spec *config.Spec, generation uint64, opts ...CompileOption) (*Table, error) {
	c := &compiler{
		defaultTTL: config.DefaultCacheTTL,
		ids:        make(map[string]struct{}),
	}
	if spec != nil && spec.Cache.DefaultTTL > 0 {
		c.defaultTTL = spec.Cache.DefaultTTL
	}
	for _, opt := range opts {
		opt(c)
	}

	if spec == nil {
		return NewEmptyTable(generation), nil
	}

	rules := make([]*Rule, 0, len(spec.Rules))
	for i := range spec.Rules {
		r, err := c.compileRule(&spec.Rules[i])
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	tasks := make([]*Rule, 0, len(spec.Tasks))
	for i := range spec.Tasks {
		r, err := c.compileTask(&spec.Tasks[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, r)
	}

	return newTable(generation, rules, tasks), nil
}

func (c *compiler) claimID(id string) error {
	if id == "" {
		return util.NewCompileError(util.CompileInvalidRule, id, "identifier cannot be empty")
	}
	if _, dup := c.ids[id]; dup {
		return util.NewCompileError(util.CompileDuplicateID, id, "identifier is declared more than once")
	}
	c.ids[id] = struct{}{}
	return nil
}

func (c *compiler) compileRule(rs *config.RuleSpec) (*Rule, error) {
	if err := c.claimID(rs.ID); err != nil {
		return nil, err
	}

	pattern, err := ParsePattern(rs.Pattern)
	if err != nil {
		return nil, util.NewCompileErrorWithCause(util.CompileInvalidPattern, rs.ID, "cannot parse pattern", err)
	}

	r := &Rule{
		ID:          rs.ID,
		Pattern:     pattern,
		Host:        rs.Host,
		Order:       rs.Order,
		Handler:     rs.Handler,
		Params:      rs.Kwargs,
		specificity: pattern.Specificity(),
	}

	if rs.Priority != nil {
		r.Priority = *rs.Priority
		r.explicitPriority = true
	} else {
		r.Priority = r.specificity
	}

	if r.Methods, err = normalizeMethods(rs.Methods); err != nil {
		return nil, util.NewCompileErrorWithCause(util.CompileInvalidRule, rs.ID, "invalid methods", err)
	}
	r.methods = methodSet(r.Methods)

	if rs.Host != "" {
		if err := util.ValidateHostname(rs.Host); err != nil {
			return nil, util.NewCompileErrorWithCause(util.CompileInvalidRule, rs.ID, "invalid host", err)
		}
	}
	r.host = newHostMatcher(rs.Host)

	if err := c.compileBinding(r, rs.Stages); err != nil {
		return nil, err
	}

	if rs.Cache != nil {
		if r.Cache, err = c.compileCache(rs.Cache); err != nil {
			return nil, util.NewCompileErrorWithCause(util.CompileInvalidRule, rs.ID, "invalid cache declaration", err)
		}
	}

	r.Key = r.computeKey()
	return r, nil
}

func (c *compiler) compileTask(ts *config.TaskSpec) (*Rule, error) {
	if err := c.claimID(ts.ID); err != nil {
		return nil, err
	}

	sched, err := compileSchedule(ts)
	if err != nil {
		return nil, util.NewCompileErrorWithCause(util.CompileInvalidRule, ts.ID, "invalid trigger", err)
	}

	r := &Rule{
		ID:       ts.ID,
		Order:    ts.Order,
		Handler:  ts.Handler,
		Params:   ts.Kwargs,
		Schedule: sched,
	}
	if err := c.compileBinding(r, ts.Stages); err != nil {
		return nil, err
	}

	r.Key = r.computeKey()
	return r, nil
}

// compileBinding checks the handler reference and compiles the stages.
func (c *compiler) compileBinding(r *Rule, stages []config.StageSpec) error {
	if strings.TrimSpace(r.Handler) == "" {
		return util.NewCompileError(util.CompileInvalidRule, r.ID, "handler cannot be empty")
	}
	if c.validator != nil {
		if err := c.validator.ValidateHandler(r.Handler, r.Params); err != nil {
			return referenceError(util.CompileUnknownHandler, r.ID, "handler "+r.Handler, err)
		}
	}

	seen := make(map[string]struct{}, len(stages))
	for i, ss := range stages {
		st := StageSpec{Name: ss.Name, Type: ss.Type, Params: ss.Kwargs}
		if st.Type == "" {
			st.Type = st.Name
		}
		if st.Name == "" {
			st.Name = st.Type
		}
		if st.Name == "" {
			return util.NewCompileError(util.CompileInvalidRule, r.ID, fmt.Sprintf("stage %d has neither name nor type", i))
		}
		if _, dup := seen[st.Name]; dup {
			return util.NewCompileError(util.CompileInvalidRule, r.ID, fmt.Sprintf("stage %q is declared more than once", st.Name))
		}
		seen[st.Name] = struct{}{}

		if c.validator != nil {
			if err := c.validator.ValidateStage(st.Type, st.Params); err != nil {
				return referenceError(util.CompileUnknownStage, r.ID, "stage "+st.Name, err)
			}
		}
		r.Stages = append(r.Stages, st)
	}
	return nil
}

// referenceError classifies a validator failure: unknown types keep the
// given kind, invalid parameters are InvalidRule.
func referenceError(unknownKind util.CompileErrorKind, ruleID, what string, err error) error {
	if errors.Is(err, util.ErrUnknownType) {
		return util.NewCompileErrorWithCause(unknownKind, ruleID, what, err)
	}
	return util.NewCompileErrorWithCause(util.CompileInvalidRule, ruleID, "invalid parameters for "+what, err)
}

func (c *compiler) compileCache(cs *config.RuleCacheSpec) (*CachePolicy, error) {
	if cs.TTL < 0 {
		return nil, fmt.Errorf("ttl cannot be negative: %s", cs.TTL)
	}
	p := &CachePolicy{TTL: cs.TTL}
	if p.TTL == 0 {
		p.TTL = c.defaultTTL
	}

	p.VaryQuery = sortedUnique(cs.Vary.Query, func(s string) string { return s })

	for _, h := range cs.Vary.Headers {
		if err := util.ValidateHeaderName(h); err != nil {
			return nil, err
		}
	}
	p.VaryHeaders = sortedUnique(cs.Vary.Headers, http.CanonicalHeaderKey)

	methods, err := normalizeMethods(cs.Methods)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		methods = append([]string(nil), defaultCacheMethods...)
	}
	p.Methods = methods
	return p, nil
}

func compileSchedule(ts *config.TaskSpec) (*Schedule, error) {
	if ts.Every < 0 {
		return nil, fmt.Errorf("every cannot be negative: %s", ts.Every)
	}
	if ts.Timeout < 0 {
		return nil, fmt.Errorf("timeout cannot be negative: %s", ts.Timeout)
	}
	if ts.Every > 0 && ts.Cron != "" {
		return nil, fmt.Errorf("every and cron are mutually exclusive")
	}
	if ts.Every == 0 && ts.Cron == "" && !ts.Startup {
		return nil, fmt.Errorf("one of every, cron or startup is required")
	}
	if ts.Cron != "" {
		if _, err := cronmask.New(ts.Cron); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", ts.Cron, err)
		}
	}
	return &Schedule{
		Every:   ts.Every,
		Cron:    ts.Cron,
		Startup: ts.Startup,
		Timeout: ts.Timeout,
	}, nil
}

func normalizeMethods(methods []string) ([]string, error) {
	for _, m := range methods {
		if err := util.ValidateHTTPMethod(m); err != nil {
			return nil, err
		}
	}
	return sortedUnique(methods, strings.ToUpper), nil
}

func methodSet(methods []string) map[string]struct{} {
	if len(methods) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return set
}

func sortedUnique(items []string, normalize func(string) string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = normalize(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
