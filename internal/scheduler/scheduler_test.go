package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaserve/internal/request"
	"github.com/vyrodovalexey/avaserve/internal/router"
)

// fakeInvoker counts invocations and tracks how many overlap.
type fakeInvoker struct {
	fn func(ctx context.Context, n int32) (*request.Response, error)

	calls      atomic.Int32
	active     atomic.Int32
	maxActive  atomic.Int32
	lastCtxErr atomic.Value
}

func (f *fakeInvoker) Invoke(ctx context.Context, _ *router.Rule) (*request.Response, error) {
	n := f.calls.Add(1)
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxActive.Load()
		if cur <= prev || f.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.fn == nil {
		return request.NewResponse(http.StatusOK, nil), nil
	}
	resp, err := f.fn(ctx, n)
	f.lastCtxErr.Store(errString(ctx.Err()))
	return resp, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func newTestScheduler(t *testing.T, inv Invoker) (*Scheduler, *Metrics) {
	t.Helper()
	m := newMetricsWithFactory(promauto.With(prometheus.NewRegistry()))
	s := New(inv, WithMetrics(m))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, m
}

func task(id, key string, sched *router.Schedule) *router.Rule {
	return &router.Rule{ID: id, Handler: "echo", Key: key, Schedule: sched}
}

func entryByID(s *Scheduler, id string) (Entry, bool) {
	for _, e := range s.Entries() {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

func TestScheduler_Interval(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	s, m := newTestScheduler(t, inv)
	s.Update([]*router.Rule{task("tick", "tick@1", &router.Schedule{Every: 30 * time.Millisecond})})
	s.Start(context.Background())

	require.Eventually(t, func() bool { return inv.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	e, ok := entryByID(s, "tick")
	require.True(t, ok)
	assert.GreaterOrEqual(t, e.Runs, uint64(2))
	assert.Equal(t, "every 30ms", e.Trigger)
	assert.False(t, e.NextRun.IsZero())
	assert.False(t, e.LastRun.IsZero())
	assert.Equal(t, int32(1), inv.maxActive.Load())
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.runsTotal.WithLabelValues("tick", resultSuccess)), 2.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entries))
}

func TestScheduler_OverrunSkipsOneTrigger(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{fn: func(_ context.Context, n int32) (*request.Response, error) {
		if n == 1 {
			time.Sleep(250 * time.Millisecond)
		}
		return request.NewResponse(http.StatusOK, nil), nil
	}}
	s, m := newTestScheduler(t, inv)
	s.Update([]*router.Rule{task("slow", "slow@1", &router.Schedule{Every: 100 * time.Millisecond})})
	s.Start(context.Background())

	require.Eventually(t, func() bool { return inv.calls.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)

	e, ok := entryByID(s, "slow")
	require.True(t, ok)
	// The run started at 100ms ends at 350ms: the 200ms trigger fires
	// into it and is skipped, the 300ms slot passes while the loop waits.
	assert.Equal(t, uint64(1), e.Skipped)
	assert.GreaterOrEqual(t, e.Missed, uint64(1))
	assert.Equal(t, int32(1), inv.maxActive.Load(), "runs never overlap")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skippedTotal.WithLabelValues("slow")))
}

func TestScheduler_StartupRunsOnce(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	s, _ := newTestScheduler(t, inv)
	s.Start(context.Background())
	s.Update([]*router.Rule{task("init", "init@1", &router.Schedule{Startup: true})})

	require.Eventually(t, func() bool { return inv.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), inv.calls.Load())

	e, ok := entryByID(s, "init")
	require.True(t, ok)
	assert.True(t, e.NextRun.IsZero())
	assert.Equal(t, "startup", e.Trigger)
}

func TestScheduler_FailuresDoNotStopLaterRuns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(context.Context, int32) (*request.Response, error)
	}{
		{name: "error", fn: func(context.Context, int32) (*request.Response, error) {
			return nil, errors.New("backend down")
		}},
		{name: "server error status", fn: func(context.Context, int32) (*request.Response, error) {
			return request.NewResponse(http.StatusInternalServerError, nil), nil
		}},
		{name: "panic", fn: func(context.Context, int32) (*request.Response, error) {
			panic("task exploded")
		}},
		{name: "nil response", fn: func(context.Context, int32) (*request.Response, error) {
			return nil, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			inv := &fakeInvoker{fn: tt.fn}
			s, m := newTestScheduler(t, inv)
			s.Update([]*router.Rule{task("flaky", "flaky@1", &router.Schedule{Every: 20 * time.Millisecond})})
			s.Start(context.Background())

			require.Eventually(t, func() bool {
				e, _ := entryByID(s, "flaky")
				return e.Failures >= 2
			}, 2*time.Second, 5*time.Millisecond)

			e, _ := entryByID(s, "flaky")
			assert.NotEmpty(t, e.LastError)
			assert.GreaterOrEqual(t, testutil.ToFloat64(m.runsTotal.WithLabelValues("flaky", resultError)), 2.0)
		})
	}
}

func TestScheduler_Timeout(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{fn: func(ctx context.Context, _ int32) (*request.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s, _ := newTestScheduler(t, inv)
	s.Update([]*router.Rule{task("bounded", "bounded@1", &router.Schedule{
		Startup: true,
		Timeout: 20 * time.Millisecond,
	})})
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		e, _ := entryByID(s, "bounded")
		return e.Failures == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, context.DeadlineExceeded.Error(), inv.lastCtxErr.Load())
}

func TestScheduler_Update(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	s, m := newTestScheduler(t, inv)
	s.Start(context.Background())

	every := &router.Schedule{Every: 20 * time.Millisecond}
	s.Update([]*router.Rule{
		task("keep", "keep@1", every),
		task("change", "change@1", every),
		task("drop", "drop@1", every),
	})
	require.Eventually(t, func() bool {
		k, _ := entryByID(s, "keep")
		c, _ := entryByID(s, "change")
		return k.Runs >= 2 && c.Runs >= 2
	}, 2*time.Second, 5*time.Millisecond)

	s.Update([]*router.Rule{
		task("keep", "keep@1", every),
		task("change", "change@2", &router.Schedule{Every: time.Hour}),
		task("added", "added@1", &router.Schedule{Every: time.Hour}),
	})

	keep, ok := entryByID(s, "keep")
	require.True(t, ok)
	assert.GreaterOrEqual(t, keep.Runs, uint64(2), "unchanged tasks keep their history")

	changed, ok := entryByID(s, "change")
	require.True(t, ok)
	assert.Zero(t, changed.Runs)
	assert.Equal(t, "every 1h0m0s", changed.Trigger)

	_, ok = entryByID(s, "drop")
	assert.False(t, ok)

	ids := make([]string, 0, 3)
	for _, e := range s.Entries() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"keep", "change", "added"}, ids)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.entries))
}

func TestScheduler_UpdateDoesNotCancelRunningTask(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	inv := &fakeInvoker{fn: func(_ context.Context, n int32) (*request.Response, error) {
		if n == 1 {
			once.Do(func() { close(started) })
			<-release
		}
		return request.NewResponse(http.StatusOK, nil), nil
	}}
	s, _ := newTestScheduler(t, inv)
	s.Start(context.Background())
	s.Update([]*router.Rule{task("long", "long@1", &router.Schedule{Startup: true})})

	<-started
	// The task changes while its first version is running: the new
	// version must wait for the old run instead of overlapping it.
	s.Update([]*router.Rule{task("long", "long@2", &router.Schedule{Startup: true})})

	e, ok := entryByID(s, "long")
	require.True(t, ok)
	assert.True(t, e.Running)

	close(release)
	require.Eventually(t, func() bool {
		e, _ := entryByID(s, "long")
		return !e.Running
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "", inv.lastCtxErr.Load())
	assert.Equal(t, int32(1), inv.maxActive.Load())
}

func TestScheduler_StopWaitsForRuns(t *testing.T) {
	t.Parallel()

	finished := atomic.Bool{}
	inv := &fakeInvoker{fn: func(_ context.Context, _ int32) (*request.Response, error) {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return request.NewResponse(http.StatusOK, nil), nil
	}}
	s := New(inv, WithMetrics(newMetricsWithFactory(promauto.With(prometheus.NewRegistry()))))
	s.Update([]*router.Rule{task("job", "job@1", &router.Schedule{Startup: true})})
	s.Start(context.Background())

	require.Eventually(t, func() bool { return inv.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, finished.Load())
}

func TestScheduler_StopCancelsRunsAfterDeadline(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{fn: func(ctx context.Context, _ int32) (*request.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := New(inv, WithMetrics(newMetricsWithFactory(promauto.With(prometheus.NewRegistry()))))
	s.Update([]*router.Rule{task("stuck", "stuck@1", &router.Schedule{Startup: true})})

	parent, cancelParent := context.WithCancel(context.Background())
	s.Start(parent)
	require.Eventually(t, func() bool { return inv.calls.Load() == 1 }, time.Second, time.Millisecond)

	// Cancelling the start context stops triggering but not the run.
	cancelParent()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), inv.active.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.Eventually(t, func() bool { return inv.active.Load() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, context.Canceled.Error(), inv.lastCtxErr.Load())
}
