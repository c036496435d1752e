package router

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vyrodovalexey/avaserve/internal/util"
)

// keyHashLength is the number of hex digits of the content hash kept in
// a rule key.
const keyHashLength = 16

// StageSpec is a compiled pipeline stage declaration.
type StageSpec struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// CachePolicy is a compiled response cache declaration.
type CachePolicy struct {
	TTL         time.Duration `json:"ttl"`
	VaryQuery   []string      `json:"varyQuery,omitempty"`
	VaryHeaders []string      `json:"varyHeaders,omitempty"`
	Methods     []string      `json:"methods"`
}

// AllowsMethod reports whether responses to method may be cached.
func (c *CachePolicy) AllowsMethod(method string) bool {
	for _, m := range c.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Schedule is the trigger of a task rule. Exactly one of Every and Cron
// is set unless the task only runs at startup.
type Schedule struct {
	Every   time.Duration `json:"every,omitempty"`
	Cron    string        `json:"cron,omitempty"`
	Startup bool          `json:"startup,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Rule is one compiled declaration: a URL rule, or a task when Schedule
// is set. Rules are immutable once their table is published.
type Rule struct {
	ID       string
	Pattern  Pattern
	Methods  []string
	Host     string
	Priority int
	Order    int
	Handler  string
	Params   map[string]any
	Stages   []StageSpec
	Cache    *CachePolicy
	Schedule *Schedule

	// Key identifies the rule content. It stays the same across reloads
	// as long as nothing but the declaration order changes.
	Key string

	explicitPriority bool
	specificity      int
	host             hostMatcher
	methods          map[string]struct{}
}

// IsTask reports whether the rule is a scheduled task.
func (r *Rule) IsTask() bool {
	return r.Schedule != nil
}

// ExplicitPriority reports whether the priority was declared rather than
// derived from the pattern.
func (r *Rule) ExplicitPriority() bool {
	return r.explicitPriority
}

// AllowsMethod reports whether the rule accepts method. A rule without
// methods accepts any.
func (r *Rule) AllowsMethod(method string) bool {
	if len(r.methods) == 0 {
		return true
	}
	_, ok := r.methods[strings.ToUpper(method)]
	return ok
}

// MatchesHost reports whether the rule accepts host.
func (r *Rule) MatchesHost(host string) bool {
	return r.host.Match(host)
}

// ruleContent is the hashed view of a rule. Order is left out so that
// moving a declaration does not replace its handler.
type ruleContent struct {
	Pattern  string         `json:"pattern,omitempty"`
	Methods  []string       `json:"methods,omitempty"`
	Host     string         `json:"host,omitempty"`
	Priority int            `json:"priority"`
	Handler  string         `json:"handler"`
	Params   map[string]any `json:"params,omitempty"`
	Stages   []StageSpec    `json:"stages,omitempty"`
	Cache    *CachePolicy   `json:"cache,omitempty"`
	Schedule *Schedule      `json:"schedule,omitempty"`
}

func (r *Rule) computeKey() string {
	content := ruleContent{
		Methods:  r.Methods,
		Host:     r.Host,
		Priority: r.Priority,
		Handler:  r.Handler,
		Params:   r.Params,
		Stages:   r.Stages,
		Cache:    r.Cache,
		Schedule: r.Schedule,
	}
	if !r.IsTask() {
		content.Pattern = r.Pattern.String()
	}

	data, err := json.Marshal(content)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", content))
	}
	sum := sha256.Sum256(data)
	return r.ID + "@" + hex.EncodeToString(sum[:])[:keyHashLength]
}

// less orders rules by priority desc, declaration asc, specificity desc.
func less(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.specificity > b.specificity
}

// Match is the result of resolving a request.
type Match struct {
	Rule       *Rule
	Params     map[string]string
	Generation uint64
}

// Table is an immutable, compiled route table.
type Table struct {
	generation uint64
	rules      []*Rule
	tasks      []*Rule
	byID       map[string]*Rule
	root       *node
}

// NewEmptyTable returns a table with no rules.
func NewEmptyTable(generation uint64) *Table {
	return &Table{
		generation: generation,
		byID:       make(map[string]*Rule),
		root:       newNode(),
	}
}

func newTable(generation uint64, rules, tasks []*Rule) *Table {
	t := NewEmptyTable(generation)

	sort.SliceStable(rules, func(i, j int) bool { return less(rules[i], rules[j]) })
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })
	t.rules = rules
	t.tasks = tasks

	for _, r := range rules {
		t.byID[r.ID] = r
		t.root.insert(r)
	}
	for _, r := range tasks {
		t.byID[r.ID] = r
	}
	return t
}

// Generation returns the table generation.
func (t *Table) Generation() uint64 {
	return t.generation
}

// Rules returns the routable rules in priority order.
func (t *Table) Rules() []*Rule {
	out := make([]*Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Tasks returns the scheduled task rules in declaration order.
func (t *Table) Tasks() []*Rule {
	out := make([]*Rule, len(t.tasks))
	copy(out, t.tasks)
	return out
}

// All returns every rule of the table, routable rules first.
func (t *Table) All() []*Rule {
	out := make([]*Rule, 0, len(t.rules)+len(t.tasks))
	out = append(out, t.rules...)
	return append(out, t.tasks...)
}

// Rule looks up a rule or task by identifier.
func (t *Table) Rule(id string) (*Rule, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// Len returns the number of routable rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Lookup resolves a request against the table. It fails with a
// RouteNotFoundError when no rule matches the path and host, and with a
// MethodNotAllowedError when rules match but none accepts the method.
func (t *Table) Lookup(method, host, path string) (*Match, error) {
	method = strings.ToUpper(method)
	parts := splitPath(path)

	s := &search{method: method, host: host, parts: parts}
	if rule := s.walk(t.root, 0); rule != nil {
		return &Match{
			Rule:       rule,
			Params:     rule.Pattern.bind(parts),
			Generation: t.generation,
		}, nil
	}

	if len(s.allowed) > 0 {
		allowed := make([]string, 0, len(s.allowed))
		for m := range s.allowed {
			allowed = append(allowed, m)
		}
		sort.Strings(allowed)
		return nil, util.NewMethodNotAllowedError(method, path, allowed)
	}
	return nil, util.NewRouteNotFoundError(method, host, path)
}
