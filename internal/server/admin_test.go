package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaserve/internal/config"
	"github.com/vyrodovalexey/avaserve/internal/health"
	"github.com/vyrodovalexey/avaserve/internal/reload"
	"github.com/vyrodovalexey/avaserve/internal/router"
	"github.com/vyrodovalexey/avaserve/internal/scheduler"
)

type fakeReloader struct {
	gen    uint64
	err    error
	calls  int
	status reload.Status
}

func (f *fakeReloader) Reload(context.Context, ...string) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.status.Generation = f.gen
	return f.gen, nil
}

func (f *fakeReloader) Status() reload.Status {
	return f.status
}

type fakeSchedule []scheduler.Entry

func (f fakeSchedule) Entries() []scheduler.Entry {
	return f
}

func serveAdmin(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestAdmin_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	rt := router.New()
	s := NewAdmin(DefaultConfig(), AdminTargets{Routes: rt})

	rec, body := serveAdmin(t, s, http.MethodGet, HealthPath)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(health.StatusHealthy), body["status"])

	rec, body = serveAdmin(t, s, http.MethodGet, ReadyPath)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(health.StatusUnhealthy), body["status"])

	rt.Swap(router.NewEmptyTable(1))
	rec, body = serveAdmin(t, s, http.MethodGet, ReadyPath)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(health.StatusHealthy), body["status"])
}

func TestAdmin_ReadinessUsesChecker(t *testing.T) {
	t.Parallel()

	checker := health.NewChecker("test")
	checker.Register("reload", health.LastErrorCheck(func() string { return "bad yaml" }),
		health.WithCritical(false))
	s := NewAdmin(DefaultConfig(), AdminTargets{Health: checker})

	rec, body := serveAdmin(t, s, http.MethodGet, ReadyPath)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(health.StatusDegraded), body["status"])

	checks, ok := body["checks"].(map[string]any)
	require.True(t, ok)
	reloadCheck, ok := checks["reload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "bad yaml", reloadCheck["message"])
}

func TestAdmin_Reload(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		r := &fakeReloader{gen: 4}
		s := NewAdmin(DefaultConfig(), AdminTargets{Reloader: r})

		rec, body := serveAdmin(t, s, http.MethodPost, ReloadPath)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(4), body["generation"])
		assert.Equal(t, 1, r.calls)

		rec, body = serveAdmin(t, s, http.MethodGet, StatusPath)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(4), body["generation"])
	})

	t.Run("failure keeps generation", func(t *testing.T) {
		t.Parallel()

		r := &fakeReloader{err: errors.New("compile: unknown handler"), status: reload.Status{Generation: 2}}
		s := NewAdmin(DefaultConfig(), AdminTargets{Reloader: r})

		rec, body := serveAdmin(t, s, http.MethodPost, ReloadPath)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "reload failed", body["error"])
		assert.Equal(t, "compile: unknown handler", body["message"])
		assert.Equal(t, float64(2), body["generation"])
	})

	t.Run("only post", func(t *testing.T) {
		t.Parallel()

		r := &fakeReloader{gen: 1}
		s := NewAdmin(DefaultConfig(), AdminTargets{Reloader: r})

		rec, _ := serveAdmin(t, s, http.MethodGet, ReloadPath)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Zero(t, r.calls)
	})
}

func TestAdmin_Routes(t *testing.T) {
	t.Parallel()

	spec := &config.Spec{
		Rules: []config.RuleSpec{
			{ID: "users", Order: 0, Pattern: "/users/{id}", Methods: []string{"GET"}, Handler: "echo"},
		},
		Tasks: []config.TaskSpec{
			{ID: "cleanup", Order: 0, Every: time.Minute, Handler: "echo"},
		},
	}
	table, err := router.Compile(spec, 5)
	require.NoError(t, err)

	rt := router.New()
	rt.Swap(table)
	s := NewAdmin(DefaultConfig(), AdminTargets{Routes: rt})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, RoutesPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Generation uint64      `json:"generation"`
		Rules      []RouteView `json:"rules"`
		Tasks      []RouteView `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	assert.Equal(t, uint64(5), out.Generation)
	require.Len(t, out.Rules, 1)
	assert.Equal(t, "users", out.Rules[0].ID)
	assert.Equal(t, "/users/{id}", out.Rules[0].Pattern)
	assert.Equal(t, []string{"GET"}, out.Rules[0].Methods)
	assert.NotEmpty(t, out.Rules[0].Key)

	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "cleanup", out.Tasks[0].ID)
	assert.Empty(t, out.Tasks[0].Pattern)
	require.NotNil(t, out.Tasks[0].Schedule)
	assert.Equal(t, time.Minute, out.Tasks[0].Schedule.Every)
}

func TestAdmin_Schedule(t *testing.T) {
	t.Parallel()

	entries := fakeSchedule{
		{ID: "cleanup", Handler: "echo", Trigger: "every 1m0s", Runs: 3, Skipped: 1},
	}
	s := NewAdmin(DefaultConfig(), AdminTargets{Schedule: entries})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, SchedulePath, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Tasks []scheduler.Entry `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "cleanup", out.Tasks[0].ID)
	assert.Equal(t, uint64(3), out.Tasks[0].Runs)
	assert.Equal(t, uint64(1), out.Tasks[0].Skipped)
}

func TestAdmin_UnsetTargetsAreNotRegistered(t *testing.T) {
	t.Parallel()

	s := NewAdmin(DefaultConfig(), AdminTargets{})
	for _, path := range []string{RoutesPath, SchedulePath, StatusPath} {
		rec, _ := serveAdmin(t, s, http.MethodGet, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}
