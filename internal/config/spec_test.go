package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaserve/internal/util"
)

const exampleConfig = `
variables:
  root: /srv/app
app:
  listen: ":8080"
  adminListen: ":9090"
  drainTimeout: 5s
cache:
  type: memory
  maxEntries: 500
log:
  level: debug
url:
  status:
    pattern: /status
    methods: [GET]
    priority: 10
    handler: health
  user:
    pattern: /users/{id}
    handler: echo
    methods: GET,POST
    kwargs: {body: "user ${variables.root}"}
    stages:
      - name: auth
        type: basicauth
        kwargs: {users: {alice: "$$2a$$10$$abc"}}
      - name: ratelimit
    cache: {ttl: 30s, vary: {query: [fields], headers: [Accept]}}
  disabled: null
schedule:
  cleanup:
    every: 1m
    handler: echo
  nightly:
    cron: "0 3 * * *"
    handler: echo
    startup: true
`

func TestDecode(t *testing.T) {
	t.Parallel()

	root, err := NewLoader().LoadBytes("example.yaml", []byte(exampleConfig))
	require.NoError(t, err)

	spec, err := Decode(root)
	require.NoError(t, err)

	assert.Equal(t, ":8080", spec.App.Listen)
	assert.Equal(t, 5*time.Second, spec.App.DrainTimeout)
	assert.Equal(t, DefaultShutdownTimeout, spec.App.ShutdownTimeout)
	assert.Equal(t, "memory", spec.Cache.Type)
	assert.Equal(t, 500, spec.Cache.MaxEntries)
	assert.Equal(t, DefaultCacheTTL, spec.Cache.DefaultTTL)
	assert.Equal(t, "debug", spec.Log.Level)
	assert.Equal(t, "json", spec.Log.Format)

	require.Len(t, spec.Rules, 2)

	status := spec.Rules[0]
	assert.Equal(t, "status", status.ID)
	assert.Equal(t, 0, status.Order)
	require.NotNil(t, status.Priority)
	assert.Equal(t, 10, *status.Priority)
	assert.Equal(t, []string{"GET"}, status.Methods)

	user := spec.Rules[1]
	assert.Equal(t, "user", user.ID)
	assert.Equal(t, 1, user.Order)
	assert.Nil(t, user.Priority)
	assert.Equal(t, []string{"GET", "POST"}, user.Methods)
	assert.Equal(t, "user /srv/app", user.Kwargs["body"])
	require.Len(t, user.Stages, 2)
	assert.Equal(t, "basicauth", user.Stages[0].Type)
	assert.Equal(t, map[string]any{"alice": "$2a$10$abc"}, user.Stages[0].Kwargs["users"])
	assert.Equal(t, "ratelimit", user.Stages[1].Name)
	require.NotNil(t, user.Cache)
	assert.Equal(t, 30*time.Second, user.Cache.TTL)
	assert.Equal(t, []string{"fields"}, user.Cache.Vary.Query)
	assert.Equal(t, []string{"Accept"}, user.Cache.Vary.Headers)

	require.Len(t, spec.Tasks, 2)
	assert.Equal(t, "cleanup", spec.Tasks[0].ID)
	assert.Equal(t, time.Minute, spec.Tasks[0].Every)
	assert.Equal(t, "0 3 * * *", spec.Tasks[1].Cron)
	assert.True(t, spec.Tasks[1].Startup)
}

func TestDecode_Defaults(t *testing.T) {
	t.Parallel()

	spec, err := Decode(NewNode())
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, spec.App.Listen)
	assert.Equal(t, DefaultAdminListen, spec.App.AdminListen)
	assert.Equal(t, DefaultDrainTimeout, spec.App.DrainTimeout)
	assert.Equal(t, DefaultCacheType, spec.Cache.Type)
	assert.Empty(t, spec.Rules)
	assert.Empty(t, spec.Tasks)
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown rule key", doc: "url:\n  a:\n    pattern: /a\n    handlr: echo\n"},
		{name: "rule is scalar", doc: "url:\n  a: /a\n"},
		{name: "url is a list", doc: "url:\n  - pattern: /a\n"},
		{name: "bad duration", doc: "app:\n  drainTimeout: soon\n"},
		{name: "bad task interval", doc: "schedule:\n  t:\n    every: often\n    handler: echo\n"},
		{name: "listen without port", doc: "app:\n  listen: localhost\n"},
		{name: "admin port out of range", doc: "app:\n  adminListen: \":70000\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root, err := NewLoader().LoadBytes("bad.yaml", []byte(tt.doc))
			require.NoError(t, err)

			_, err = Decode(root)
			require.Error(t, err)

			var cfgErr *util.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, util.ConfigMalformed, cfgErr.Kind)
		})
	}
}
