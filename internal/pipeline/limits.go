package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avaserve/internal/handler"
	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/request"
)

// Rate limit keys.
const (
	LimitByClient   = "client"
	LimitByIdentity = "identity"
	LimitGlobal     = "global"

	maxLimiterKeys = 10000
)

// RateLimitConfig parameterizes the ratelimit stage.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
	Key   string  `mapstructure:"key"`
}

type rateLimitType struct{}

func (rateLimitType) Name() string { return "ratelimit" }

func (rateLimitType) Build(params handler.Params) (Stage, error) {
	var cfg RateLimitConfig
	if err := handler.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.RPS <= 0 {
		return nil, fmt.Errorf("rps must be positive")
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Ceil(cfg.RPS))
	}
	switch cfg.Key {
	case "":
		cfg.Key = LimitByClient
	case LimitByClient, LimitByIdentity, LimitGlobal:
	default:
		return nil, fmt.Errorf("key must be one of %s, %s, %s", LimitByClient, LimitByIdentity, LimitGlobal)
	}
	return &rateLimitStage{cfg: cfg, limiters: make(map[string]*rate.Limiter)}, nil
}

type rateLimitStage struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (s *rateLimitStage) key(rc *request.Context) string {
	switch s.cfg.Key {
	case LimitGlobal:
		return ""
	case LimitByIdentity:
		if rc.Identity != "" {
			return "id:" + rc.Identity
		}
	}
	return "ip:" + clientIP(rc.Request)
}

func (s *rateLimitStage) limiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[key]
	if !ok {
		// Start over rather than grow without bound.
		if len(s.limiters) >= maxLimiterKeys {
			s.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Limit(s.cfg.RPS), s.cfg.Burst)
		s.limiters[key] = lim
	}
	return lim
}

func (s *rateLimitStage) Before(rc *request.Context) (*request.Response, error) {
	r := s.limiter(s.key(rc)).Reserve()
	if r.OK() {
		delay := r.Delay()
		if delay == 0 {
			return nil, nil
		}
		r.Cancel()
		return tooManyRequests(delay), nil
	}
	return tooManyRequests(time.Second), nil
}

func tooManyRequests(retryAfter time.Duration) *request.Response {
	resp := errorResponse(http.StatusTooManyRequests, "rate limit exceeded")
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	resp.Header.Set("Retry-After", strconv.Itoa(seconds))
	return resp
}

// ConcurrencyConfig parameterizes the concurrency stage.
type ConcurrencyConfig struct {
	Max int `mapstructure:"max"`
}

type concurrencyType struct{}

func (concurrencyType) Name() string { return "concurrency" }

func (concurrencyType) Build(params handler.Params) (Stage, error) {
	var cfg ConcurrencyConfig
	if err := handler.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("max must be positive")
	}
	return &concurrencyStage{max: int64(cfg.Max)}, nil
}

// concurrencyStage caps the requests a rule serves at once.
type concurrencyStage struct {
	max     int64
	current atomic.Int64
}

func (s *concurrencyStage) Before(_ *request.Context) (*request.Response, error) {
	for {
		n := s.current.Load()
		if n >= s.max {
			resp := errorResponse(http.StatusServiceUnavailable, "too many concurrent requests")
			resp.Header.Set("Retry-After", "1")
			return resp, nil
		}
		if s.current.CompareAndSwap(n, n+1) {
			return nil, nil
		}
	}
}

func (s *concurrencyStage) Finish(_ *request.Context, resp *request.Response, err error) (*request.Response, error) {
	s.current.Add(-1)
	return resp, err
}

// CircuitBreakerConfig parameterizes the circuitbreaker stage.
type CircuitBreakerConfig struct {
	Threshold   int           `mapstructure:"threshold"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxRequests int           `mapstructure:"maxRequests"`
}

type circuitBreakerType struct{}

func (circuitBreakerType) Name() string { return "circuitbreaker" }

func (circuitBreakerType) Build(params handler.Params) (Stage, error) {
	var cfg CircuitBreakerConfig
	if err := handler.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.Threshold < 0 || cfg.Timeout < 0 || cfg.Interval < 0 || cfg.MaxRequests < 0 {
		return nil, fmt.Errorf("circuit breaker settings must not be negative")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}

	threshold := safeIntToUint32(cfg.Threshold)
	s := &circuitBreakerStage{}
	s.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "pipeline",
		MaxRequests: safeIntToUint32(cfg.MaxRequests),
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			observability.GetGlobalLogger().Info("circuit breaker state change",
				observability.String("from", from.String()),
				observability.String("to", to.String()))
		},
	})
	return s, nil
}

// safeIntToUint32 converts a non-negative int, saturating at the bound.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

type circuitBreakerStage struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

func (s *circuitBreakerStage) doneKey() string {
	return fmt.Sprintf("circuitbreaker/%p", s)
}

func (s *circuitBreakerStage) Before(rc *request.Context) (*request.Response, error) {
	done, err := s.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			resp := errorResponse(http.StatusServiceUnavailable, "circuit breaker is open")
			resp.Header.Set("Retry-After", "1")
			return resp, nil
		}
		return nil, err
	}
	rc.Set(s.doneKey(), done)
	return nil, nil
}

func (s *circuitBreakerStage) Finish(rc *request.Context, resp *request.Response, err error) (*request.Response, error) {
	if v, ok := rc.Value(s.doneKey()); ok {
		if done, ok := v.(func(bool)); ok {
			done(err == nil && (resp == nil || resp.Status < http.StatusInternalServerError))
		}
	}
	return resp, err
}

// TimeoutConfig parameterizes the timeout stage.
type TimeoutConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

type timeoutType struct{}

func (timeoutType) Name() string { return "timeout" }

func (timeoutType) Build(params handler.Params) (Stage, error) {
	var cfg TimeoutConfig
	if err := handler.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	return &timeoutStage{timeout: cfg.Duration}, nil
}

// timeoutStage bounds the rest of the pipeline with a deadline and turns
// an expired deadline into 504.
type timeoutStage struct {
	timeout time.Duration
}

func (s *timeoutStage) cancelKey() string {
	return fmt.Sprintf("timeout/%p", s)
}

func (s *timeoutStage) Before(rc *request.Context) (*request.Response, error) {
	ctx, cancel := context.WithTimeout(rc.Context(), s.timeout)
	rc.SetContext(ctx)
	rc.Set(s.cancelKey(), cancel)
	return nil, nil
}

func (s *timeoutStage) Finish(rc *request.Context, resp *request.Response, err error) (*request.Response, error) {
	if v, ok := rc.Value(s.cancelKey()); ok {
		if cancel, ok := v.(context.CancelFunc); ok {
			cancel()
		}
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return errorResponse(http.StatusGatewayTimeout, "request timed out"), nil
	}
	return resp, err
}
