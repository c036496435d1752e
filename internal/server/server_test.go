package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/request"
	"github.com/vyrodovalexey/avaserve/internal/router"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

func init() {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.TestMode)
	})
}

func newLocalListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

type fakeResolver struct {
	calls atomic.Int32
	match *router.Match
	err   error
}

func (r *fakeResolver) Resolve(_, _, _ string) (*router.Match, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.match, nil
}

type executorFunc func(rc *request.Context) (*request.Response, error)

func (f executorFunc) Execute(rc *request.Context) (*request.Response, error) {
	return f(rc)
}

func usersMatch() *router.Match {
	return &router.Match{
		Rule:       &router.Rule{ID: "users", Handler: "echo"},
		Params:     map[string]string{"id": "42"},
		Generation: 3,
	}
}

type closeTracker struct {
	io.Reader
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestFrontend_ServesMatchedRule(t *testing.T) {
	t.Parallel()

	var seen *request.Context
	exec := executorFunc(func(rc *request.Context) (*request.Response, error) {
		seen = rc
		resp := request.NewResponse(http.StatusCreated, []byte("hello"))
		resp.Header.Set("X-Test", "yes")
		return resp, nil
	})
	s := New(DefaultConfig(), &fakeResolver{match: usersMatch()}, exec)

	req := httptest.NewRequest(http.MethodGet, "/users/42?x=1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Test"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	require.NotNil(t, seen)
	assert.Equal(t, "users", seen.RuleID())
	assert.Equal(t, "42", seen.Params["id"])
	assert.Equal(t, uint64(3), seen.Generation)
	assert.Equal(t, "/users/42", seen.Request.Path)
	assert.Equal(t, "1", seen.Request.Query.Get("x"))
}

func TestFrontend_AnyMethodReachesResolver(t *testing.T) {
	t.Parallel()

	exec := executorFunc(func(rc *request.Context) (*request.Response, error) {
		return request.NewResponse(http.StatusOK, []byte(rc.Request.Method)), nil
	})
	s := New(DefaultConfig(), &fakeResolver{match: usersMatch()}, exec)

	for _, method := range []string{http.MethodPost, http.MethodDelete, "PURGE"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(method, "/anything", nil))
		assert.Equal(t, http.StatusOK, rec.Code, method)
		assert.Equal(t, method, rec.Body.String())
	}
}

func TestFrontend_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		resolveErr error
		execErr    error
		wantStatus int
		wantAllow  string
		wantMsg    bool
	}{
		{
			name:       "no match",
			resolveErr: util.NewRouteNotFoundError("GET", "example.com", "/missing"),
			wantStatus: http.StatusNotFound,
			wantMsg:    true,
		},
		{
			name:       "method not allowed",
			resolveErr: util.NewMethodNotAllowedError("DELETE", "/users/42", []string{"GET", "POST"}),
			wantStatus: http.StatusMethodNotAllowed,
			wantAllow:  "GET, POST",
			wantMsg:    true,
		},
		{
			name:       "stage error",
			execErr:    util.NewStageError("users", "auth", errors.New("backend down")),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "handler error",
			execErr:    util.NewHandlerError("users", errors.New("boom")),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "deadline",
			execErr:    util.NewHandlerError("users", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "retired twice",
			execErr:    util.ErrRuleRetired,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exec := executorFunc(func(*request.Context) (*request.Response, error) {
				return nil, tt.execErr
			})
			s := New(DefaultConfig(), &fakeResolver{match: usersMatch(), err: tt.resolveErr}, exec)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/users/42", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantAllow, rec.Header().Get("Allow"))

			body := decodeError(t, rec)
			assert.Equal(t, http.StatusText(tt.wantStatus), body["error"])
			assert.NotEmpty(t, body["requestID"])
			_, hasMsg := body["message"]
			assert.Equal(t, tt.wantMsg, hasMsg)
		})
	}
}

func TestFrontend_StreamsResponse(t *testing.T) {
	t.Parallel()

	stream := &closeTracker{Reader: strings.NewReader("streamed body")}
	exec := executorFunc(func(*request.Context) (*request.Response, error) {
		resp := request.NewResponse(http.StatusOK, nil)
		resp.Stream = stream
		return resp, nil
	})
	s := New(DefaultConfig(), &fakeResolver{match: usersMatch()}, exec)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "streamed body", rec.Body.String())
	assert.True(t, stream.closed.Load())
}

func TestFrontend_HeadOmitsBody(t *testing.T) {
	t.Parallel()

	exec := executorFunc(func(*request.Context) (*request.Response, error) {
		return request.NewResponse(http.StatusOK, []byte("hello")), nil
	})
	s := New(DefaultConfig(), &fakeResolver{match: usersMatch()}, exec)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/users/42", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestFrontend_RecoversPanic(t *testing.T) {
	t.Parallel()

	exec := executorFunc(func(*request.Context) (*request.Response, error) {
		panic("handler exploded")
	})
	s := New(DefaultConfig(), &fakeResolver{match: usersMatch()}, exec)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), decodeError(t, rec)["error"])
}

func TestFrontend_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	var seen string
	exec := executorFunc(func(rc *request.Context) (*request.Response, error) {
		seen = observability.RequestIDFromContext(rc.Context())
		return request.NewResponse(http.StatusNoContent, nil), nil
	})
	s := New(DefaultConfig(), &fakeResolver{match: usersMatch()}, exec)

	req := httptest.NewRequest(http.MethodGet, "/users/42", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-123", seen)
}

func TestFrontend_ClientCancellationWritesNoBody(t *testing.T) {
	t.Parallel()

	exec := executorFunc(func(rc *request.Context) (*request.Response, error) {
		return nil, util.NewHandlerError(rc.RuleID(), rc.Context().Err())
	})
	s := New(DefaultConfig(), &fakeResolver{match: usersMatch()}, exec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/users/42", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, StatusClientClosedRequest, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestFrontend_RecordsRequestMetrics(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("avaserve")
	exec := executorFunc(func(*request.Context) (*request.Response, error) {
		return request.NewResponse(http.StatusOK, []byte("ok")), nil
	})
	resolver := &fakeResolver{match: usersMatch()}
	s := New(DefaultConfig(), resolver, exec, WithMetrics(metrics))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	resolver.err = util.NewRouteNotFoundError("GET", "", "/nope")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	admin := NewAdmin(DefaultConfig(), AdminTargets{}, WithMetrics(metrics))
	rec = httptest.NewRecorder()
	admin.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetricsPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	assert.Contains(t, out, `avaserve_requests_total{method="GET",rule="users",status="200"} 2`)
	assert.Contains(t, out, `avaserve_requests_total{method="GET",rule="unmatched",status="404"} 1`)
	assert.NotContains(t, out, `rule="/nope"`)
}

func TestFrontend_BodyLimit(t *testing.T) {
	t.Parallel()

	exec := executorFunc(func(rc *request.Context) (*request.Response, error) {
		if _, err := io.ReadAll(rc.Request.Body); err != nil {
			return request.NewResponse(http.StatusRequestEntityTooLarge, nil), nil
		}
		return request.NewResponse(http.StatusOK, nil), nil
	})
	cfg := DefaultConfig()
	cfg.MaxRequestBodySize = 4
	s := New(cfg, &fakeResolver{match: usersMatch()}, exec)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users/42", strings.NewReader("too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users/42", strings.NewReader("ok")))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StartStop(t *testing.T) {
	t.Parallel()

	exec := executorFunc(func(*request.Context) (*request.Response, error) {
		return request.NewResponse(http.StatusOK, []byte("live")), nil
	})
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	s := New(cfg, &fakeResolver{match: usersMatch()}, exec)

	ln, err := newLocalListener()
	require.NoError(t, err)
	addr := ln.Addr().String()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(context.Background(), ln) }()

	require.Eventually(t, s.IsRunning, testTimeout, testTick)

	resp, err := http.Get("http://" + addr + "/users/42")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "live", string(body))

	require.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, <-errCh)
	assert.False(t, s.IsRunning())
	assert.NoError(t, s.Stop(context.Background()))
}
