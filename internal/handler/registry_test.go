package handler

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaserve/internal/request"
	"github.com/vyrodovalexey/avaserve/internal/router"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

// countingType records setups and releases of the handlers it creates.
type countingType struct {
	name      string
	shareable bool
	eager     bool
	failFirst int32

	setups   atomic.Int32
	releases atomic.Int32
	attempts atomic.Int32
}

func (c *countingType) Name() string    { return c.name }
func (c *countingType) Shareable() bool { return c.shareable }
func (c *countingType) Eager() bool     { return c.eager }

func (c *countingType) Setup(_ context.Context, _ Params) (Handler, error) {
	if c.attempts.Add(1) <= c.failFirst {
		return nil, errors.New("backend unavailable")
	}
	c.setups.Add(1)
	return &countingHandler{typ: c}, nil
}

type countingHandler struct {
	typ *countingType
}

func (h *countingHandler) Handle(_ *request.Context) (*request.Response, error) {
	return request.NewResponse(http.StatusOK, []byte("ok")), nil
}

func (h *countingHandler) Release() error {
	h.typ.releases.Add(1)
	return nil
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	m := newMetricsWithFactory(promauto.With(prometheus.NewRegistry()))
	return NewRegistry(append([]Option{WithMetrics(m)}, opts...)...)
}

func testRule(id, handlerType string, params Params) *router.Rule {
	return &router.Rule{ID: id, Handler: handlerType, Params: params}
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	require.NoError(t, r.Register(&countingType{name: "a"}))
	require.NoError(t, r.Register(&countingType{name: "b"}))

	err := r.Register(&countingType{name: "a"})
	assert.Error(t, err)
	assert.Error(t, r.Register(&countingType{name: ""}))
	assert.Panics(t, func() { r.MustRegister(&countingType{name: "b"}) })

	assert.Equal(t, []string{"a", "b"}, r.Types())
}

func TestRegistry_ValidateHandler(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(r))

	err := r.ValidateHandler("nope", nil)
	assert.True(t, errors.Is(err, util.ErrUnknownType))

	assert.NoError(t, r.ValidateHandler("echo", Params{"body": "hi"}))
	assert.Error(t, r.ValidateHandler("echo", Params{"unknown": 1}))
	assert.Error(t, r.ValidateHandler("redirect", Params{}))
	assert.NoError(t, r.Validate(testRule("r", "redirect", Params{"url": "/x"})))
}

func TestRegistry_AcquireLazySetup(t *testing.T) {
	t.Parallel()

	typ := &countingType{name: "lazy"}
	r := newTestRegistry(t)
	require.NoError(t, r.Register(typ))

	rule := testRule("r1", "lazy", nil)
	require.NoError(t, r.Prepare(context.Background(), []*router.Rule{rule}))
	r.Commit([]*router.Rule{rule})
	assert.Equal(t, int32(0), typ.setups.Load())

	_, ok := r.Get("r1")
	assert.False(t, ok)

	for i := 0; i < 3; i++ {
		lease, err := r.Acquire(context.Background(), rule)
		require.NoError(t, err)
		resp, err := lease.Handler().Handle(&request.Context{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		lease.Release()
		lease.Release()
	}
	assert.Equal(t, int32(1), typ.setups.Load())

	h, ok := r.Get("r1")
	assert.True(t, ok)
	assert.NotNil(t, h)
}

func TestRegistry_AcquireUnpreparedIsTornDown(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	require.NoError(t, r.Register(&countingType{name: "x"}))

	_, err := r.Acquire(context.Background(), testRule("r", "x", nil))
	assert.True(t, errors.Is(err, util.ErrResourceTornDown))
	assert.Equal(t, http.StatusServiceUnavailable, util.StatusCode(err))

	_, err = r.Acquire(context.Background(), testRule("r", "missing", nil))
	var initErr *util.HandlerInitError
	assert.ErrorAs(t, err, &initErr)
}

func TestRegistry_SetupFailureRetried(t *testing.T) {
	t.Parallel()

	typ := &countingType{name: "flaky", eager: true, failFirst: 2}
	r := newTestRegistry(t)
	require.NoError(t, r.Register(typ))

	rule := testRule("r", "flaky", nil)
	// The eager setup fails but does not fail Prepare.
	require.NoError(t, r.Prepare(context.Background(), []*router.Rule{rule}))
	r.Commit([]*router.Rule{rule})
	assert.Equal(t, int32(1), typ.attempts.Load())

	_, err := r.Acquire(context.Background(), rule)
	var initErr *util.HandlerInitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "r", initErr.RuleID)
	assert.Equal(t, "flaky", initErr.HandlerType)

	lease, err := r.Acquire(context.Background(), rule)
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, int32(3), typ.attempts.Load())
	assert.Equal(t, int32(1), typ.setups.Load())
}

func TestRegistry_EagerSetup(t *testing.T) {
	t.Parallel()

	typ := &countingType{name: "eager", eager: true}
	r := newTestRegistry(t)
	require.NoError(t, r.Register(typ))

	rules := []*router.Rule{testRule("a", "eager", nil), testRule("b", "eager", nil)}
	require.NoError(t, r.Prepare(context.Background(), rules))
	assert.Equal(t, int32(2), typ.setups.Load())
}

func TestRegistry_ShareableInstances(t *testing.T) {
	t.Parallel()

	typ := &countingType{name: "shared", shareable: true}
	r := newTestRegistry(t)
	require.NoError(t, r.Register(typ))

	a := testRule("a", "shared", Params{"x": 1})
	b := testRule("b", "shared", Params{"x": 1})
	c := testRule("c", "shared", Params{"x": 2})
	rules := []*router.Rule{a, b, c}
	require.NoError(t, r.Prepare(context.Background(), rules))
	r.Commit(rules)

	for _, rule := range rules {
		lease, err := r.Acquire(context.Background(), rule)
		require.NoError(t, err)
		lease.Release()
	}
	assert.Equal(t, int32(2), typ.setups.Load())

	ha, _ := r.Get("a")
	hb, _ := r.Get("b")
	hc, _ := r.Get("c")
	assert.Same(t, ha, hb)
	assert.NotSame(t, ha, hc)
}

func TestRegistry_DrainReleasesOnceAfterInFlight(t *testing.T) {
	t.Parallel()

	typ := &countingType{name: "drain"}
	r := newTestRegistry(t, WithDrainTimeout(time.Minute))
	require.NoError(t, r.Register(typ))

	old := testRule("r", "drain", Params{"v": 1})
	require.NoError(t, r.Prepare(context.Background(), []*router.Rule{old}))
	r.Commit([]*router.Rule{old})

	leases := make([]*Lease, 3)
	for i := range leases {
		lease, err := r.Acquire(context.Background(), old)
		require.NoError(t, err)
		leases[i] = lease
	}

	next := testRule("r", "drain", Params{"v": 2})
	require.NoError(t, r.Prepare(context.Background(), []*router.Rule{next}))
	r.Commit([]*router.Rule{next})

	// The old instance is no longer reachable for new requests.
	_, err := r.Acquire(context.Background(), old)
	assert.True(t, errors.Is(err, util.ErrRuleRetired))

	for i, lease := range leases {
		assert.Equal(t, int32(0), typ.releases.Load(), "released before lease %d ended", i)
		assert.NoError(t, lease.Context().Err())
		lease.Release()
	}

	require.Eventually(t, func() bool { return typ.releases.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), typ.releases.Load())

	lease, err := r.Acquire(context.Background(), next)
	require.NoError(t, err)
	lease.Release()
}

func TestRegistry_ForcedTeardownCancelsLeases(t *testing.T) {
	t.Parallel()

	typ := &countingType{name: "stuck"}
	r := newTestRegistry(t, WithDrainTimeout(30*time.Millisecond))
	require.NoError(t, r.Register(typ))

	rule := testRule("r", "stuck", nil)
	require.NoError(t, r.Prepare(context.Background(), []*router.Rule{rule}))
	r.Commit([]*router.Rule{rule})

	lease, err := r.Acquire(context.Background(), rule)
	require.NoError(t, err)

	r.Commit(nil)

	select {
	case <-lease.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("lease context was not cancelled by forced teardown")
	}
	assert.True(t, errors.Is(context.Cause(lease.Context()), util.ErrResourceTornDown))
	assert.Equal(t, int32(1), typ.releases.Load())

	lease.Release()
	assert.Equal(t, int32(1), typ.releases.Load())
}

func TestRegistry_Abort(t *testing.T) {
	t.Parallel()

	typ := &countingType{name: "eager", eager: true}
	r := newTestRegistry(t)
	require.NoError(t, r.Register(typ))

	live := testRule("live", "eager", nil)
	require.NoError(t, r.Prepare(context.Background(), []*router.Rule{live}))
	r.Commit([]*router.Rule{live})

	candidate := []*router.Rule{live, testRule("new", "eager", nil)}
	require.NoError(t, r.Prepare(context.Background(), candidate))
	assert.Equal(t, int32(2), typ.setups.Load())

	r.Abort(candidate)
	assert.Equal(t, int32(1), typ.releases.Load())

	lease, err := r.Acquire(context.Background(), live)
	require.NoError(t, err)
	lease.Release()
}

func TestRegistry_PrepareUnknownType(t *testing.T) {
	t.Parallel()

	typ := &countingType{name: "eager", eager: true}
	r := newTestRegistry(t)
	require.NoError(t, r.Register(typ))

	err := r.Prepare(context.Background(), []*router.Rule{
		testRule("a", "eager", nil),
		testRule("b", "missing", nil),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrUnknownType))
	assert.Equal(t, int32(0), typ.setups.Load())
}

func TestRegistry_Close(t *testing.T) {
	t.Parallel()

	typ := &countingType{name: "c"}
	r := newTestRegistry(t)
	require.NoError(t, r.Register(typ))

	rule := testRule("r", "c", nil)
	require.NoError(t, r.Prepare(context.Background(), []*router.Rule{rule}))
	r.Commit([]*router.Rule{rule})

	lease, err := r.Acquire(context.Background(), rule)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		lease.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	assert.Equal(t, int32(1), typ.releases.Load())
}

func TestInstance_AcquireAfterRetire(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		leases   int
		wantIdle bool
	}{
		{name: "idle instance", leases: 0, wantIdle: true},
		{name: "busy instance", leases: 2, wantIdle: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			inst := newInstance("k", &countingType{name: "x"}, testRule("r", "x", nil))
			for i := 0; i < tt.leases; i++ {
				require.True(t, inst.acquire())
			}

			assert.Equal(t, tt.wantIdle, inst.markRetired())
			assert.False(t, inst.acquire(), "a retired instance must not hand out new references")

			for i := 0; i < tt.leases; i++ {
				inst.done()
			}
			select {
			case <-inst.idle:
				assert.False(t, tt.wantIdle, "an idle retire is torn down directly")
			default:
				assert.True(t, tt.wantIdle, "draining instance did not signal idleness")
			}
		})
	}
}

func TestRegistry_AcquireRacingCommit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		readers int
	}{
		{name: "single reader", readers: 1},
		{name: "many readers", readers: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			for round := 0; round < 50; round++ {
				typ := &countingType{name: "race"}
				r := newTestRegistry(t, WithDrainTimeout(time.Minute))
				require.NoError(t, r.Register(typ))

				rule := testRule("r", "race", nil)
				require.NoError(t, r.Prepare(context.Background(), []*router.Rule{rule}))
				r.Commit([]*router.Rule{rule})

				var (
					start   = make(chan struct{})
					held    atomic.Int32
					invalid atomic.Int32
					wg      sync.WaitGroup
				)
				for i := 0; i < tt.readers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						lease, err := r.Acquire(context.Background(), rule)
						if err != nil {
							if !errors.Is(err, util.ErrRuleRetired) {
								invalid.Add(1)
							}
							return
						}
						held.Add(1)
						if typ.releases.Load() != 0 || lease.Context().Err() != nil {
							invalid.Add(1)
						}
						lease.Release()
					}()
				}

				close(start)
				r.Commit(nil)
				wg.Wait()

				assert.Zero(t, invalid.Load(), "round %d: a lease saw a released handler", round)
				require.NoError(t, r.Close(context.Background()))
				assert.Equal(t, typ.setups.Load(), typ.releases.Load(), "round %d", round)
			}
		})
	}
}
