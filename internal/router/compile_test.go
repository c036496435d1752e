package router

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaserve/internal/config"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

type fakeValidator struct {
	handlers map[string]bool
	stages   map[string]bool
}

func (v fakeValidator) ValidateHandler(name string, params map[string]any) error {
	if !v.handlers[name] {
		return fmt.Errorf("%w: handler %q", util.ErrUnknownType, name)
	}
	if params["invalid"] != nil {
		return errors.New("invalid parameter")
	}
	return nil
}

func (v fakeValidator) ValidateStage(name string, _ map[string]any) error {
	if !v.stages[name] {
		return fmt.Errorf("%w: stage %q", util.ErrUnknownType, name)
	}
	return nil
}

func TestCompile_Errors(t *testing.T) {
	t.Parallel()

	validator := fakeValidator{
		handlers: map[string]bool{"echo": true},
		stages:   map[string]bool{"basicauth": true},
	}

	tests := []struct {
		name     string
		spec     *config.Spec
		wantKind util.CompileErrorKind
		wantRule string
	}{
		{
			name:     "invalid pattern",
			spec:     &config.Spec{Rules: []config.RuleSpec{rule("bad", "/a/**/b", "echo")}},
			wantKind: util.CompileInvalidPattern,
			wantRule: "bad",
		},
		{
			name:     "empty pattern",
			spec:     &config.Spec{Rules: []config.RuleSpec{rule("bad", "", "echo")}},
			wantKind: util.CompileInvalidPattern,
			wantRule: "bad",
		},
		{
			name: "duplicate identifier across url and schedule",
			spec: &config.Spec{
				Rules: []config.RuleSpec{rule("dup", "/a", "echo")},
				Tasks: []config.TaskSpec{{ID: "dup", Every: time.Minute, Handler: "echo"}},
			},
			wantKind: util.CompileDuplicateID,
			wantRule: "dup",
		},
		{
			name:     "bad method",
			spec:     &config.Spec{Rules: []config.RuleSpec{rule("m", "/a", "echo", "FETCH")}},
			wantKind: util.CompileInvalidRule,
			wantRule: "m",
		},
		{
			name:     "empty handler",
			spec:     &config.Spec{Rules: []config.RuleSpec{rule("h", "/a", "")}},
			wantKind: util.CompileInvalidRule,
			wantRule: "h",
		},
		{
			name: "bad host",
			spec: &config.Spec{Rules: []config.RuleSpec{{
				ID: "host", Pattern: "/a", Handler: "echo", Host: "a.*.com",
			}}},
			wantKind: util.CompileInvalidRule,
			wantRule: "host",
		},
		{
			name:     "unknown handler",
			spec:     &config.Spec{Rules: []config.RuleSpec{rule("u", "/a", "nope")}},
			wantKind: util.CompileUnknownHandler,
			wantRule: "u",
		},
		{
			name: "invalid handler params",
			spec: &config.Spec{Rules: []config.RuleSpec{{
				ID: "p", Pattern: "/a", Handler: "echo", Kwargs: map[string]any{"invalid": true},
			}}},
			wantKind: util.CompileInvalidRule,
			wantRule: "p",
		},
		{
			name: "unknown stage",
			spec: &config.Spec{Rules: []config.RuleSpec{{
				ID: "s", Pattern: "/a", Handler: "echo",
				Stages: []config.StageSpec{{Name: "auth", Type: "oauth"}},
			}}},
			wantKind: util.CompileUnknownStage,
			wantRule: "s",
		},
		{
			name: "duplicate stage name",
			spec: &config.Spec{Rules: []config.RuleSpec{{
				ID: "s", Pattern: "/a", Handler: "echo",
				Stages: []config.StageSpec{{Name: "basicauth"}, {Name: "basicauth"}},
			}}},
			wantKind: util.CompileInvalidRule,
			wantRule: "s",
		},
		{
			name: "bad vary header",
			spec: &config.Spec{Rules: []config.RuleSpec{{
				ID: "c", Pattern: "/a", Handler: "echo",
				Cache: &config.RuleCacheSpec{Vary: config.VarySpec{Headers: []string{"bad header"}}},
			}}},
			wantKind: util.CompileInvalidRule,
			wantRule: "c",
		},
		{
			name:     "task without trigger",
			spec:     &config.Spec{Tasks: []config.TaskSpec{{ID: "t", Handler: "echo"}}},
			wantKind: util.CompileInvalidRule,
			wantRule: "t",
		},
		{
			name: "task with every and cron",
			spec: &config.Spec{Tasks: []config.TaskSpec{{
				ID: "t", Handler: "echo", Every: time.Minute, Cron: "* * * * *",
			}}},
			wantKind: util.CompileInvalidRule,
			wantRule: "t",
		},
		{
			name:     "task with bad cron",
			spec:     &config.Spec{Tasks: []config.TaskSpec{{ID: "t", Handler: "echo", Cron: "a * * * *"}}},
			wantKind: util.CompileInvalidRule,
			wantRule: "t",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			table, err := Compile(tt.spec, 1, WithValidator(validator))
			require.Error(t, err)
			assert.Nil(t, table)
			assert.True(t, errors.Is(err, util.ErrCompileFailed))

			var cerr *util.CompileError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.wantKind, cerr.Kind)
			assert.Equal(t, tt.wantRule, cerr.RuleID)
		})
	}
}

func TestCompile_StagesAndCache(t *testing.T) {
	t.Parallel()

	spec := &config.Spec{
		Cache: config.CacheSpec{DefaultTTL: 5 * time.Minute},
		Rules: []config.RuleSpec{{
			ID:      "user",
			Pattern: "/users/{id}",
			Handler: "echo",
			Stages: []config.StageSpec{
				{Name: "auth", Type: "basicauth"},
				{Name: "ratelimit"},
			},
			Cache: &config.RuleCacheSpec{
				Vary: config.VarySpec{
					Query:   []string{"fields", "a", "fields"},
					Headers: []string{"accept", "X-Tenant"},
				},
			},
		}},
	}

	table, err := Compile(spec, 2)
	require.NoError(t, err)

	r, ok := table.Rule("user")
	require.True(t, ok)
	assert.Equal(t, []StageSpec{
		{Name: "auth", Type: "basicauth"},
		{Name: "ratelimit", Type: "ratelimit"},
	}, r.Stages)

	require.NotNil(t, r.Cache)
	assert.Equal(t, 5*time.Minute, r.Cache.TTL)
	assert.Equal(t, []string{"a", "fields"}, r.Cache.VaryQuery)
	assert.Equal(t, []string{"Accept", "X-Tenant"}, r.Cache.VaryHeaders)
	assert.Equal(t, []string{"GET", "HEAD"}, r.Cache.Methods)
	assert.True(t, r.Cache.AllowsMethod("GET"))
	assert.False(t, r.Cache.AllowsMethod("POST"))
}

func TestCompile_Tasks(t *testing.T) {
	t.Parallel()

	spec := &config.Spec{
		Tasks: []config.TaskSpec{
			{ID: "second", Order: 1, Cron: "0 * * * *", Handler: "echo"},
			{ID: "first", Order: 0, Every: time.Minute, Handler: "echo", Timeout: 10 * time.Second},
			{ID: "boot", Order: 2, Startup: true, Handler: "echo"},
		},
	}

	table, err := Compile(spec, 1)
	require.NoError(t, err)

	tasks := table.Tasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, "first", tasks[0].ID)
	assert.Equal(t, "second", tasks[1].ID)
	assert.Equal(t, "boot", tasks[2].ID)

	assert.True(t, tasks[0].IsTask())
	assert.Equal(t, time.Minute, tasks[0].Schedule.Every)
	assert.Equal(t, 10*time.Second, tasks[0].Schedule.Timeout)
	assert.Equal(t, "0 * * * *", tasks[1].Schedule.Cron)
	assert.True(t, tasks[2].Schedule.Startup)

	// Tasks are never routable.
	assert.Equal(t, 0, table.Len())
	assert.Len(t, table.All(), 3)
	_, err = table.Lookup("GET", "", "/")
	assert.True(t, errors.Is(err, util.ErrNoMatch))
}

func TestCompile_KeyStability(t *testing.T) {
	t.Parallel()

	build := func(order int, handlerBody string) *Rule {
		spec := &config.Spec{Rules: []config.RuleSpec{{
			ID: "r", Order: order, Pattern: "/r", Handler: "echo",
			Kwargs: map[string]any{"body": handlerBody, "b": 1, "a": []any{"x"}},
		}}}
		table, err := Compile(spec, uint64(order+1))
		require.NoError(t, err)
		r, _ := table.Rule("r")
		return r
	}

	a := build(0, "hello")
	b := build(3, "hello")
	c := build(0, "changed")

	assert.Equal(t, a.Key, b.Key, "declaration order must not change the key")
	assert.NotEqual(t, a.Key, c.Key)
	assert.Contains(t, a.Key, "r@")
}

func TestCompile_NilSpec(t *testing.T) {
	t.Parallel()

	table, err := Compile(nil, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), table.Generation())
	assert.Equal(t, 0, table.Len())
}
