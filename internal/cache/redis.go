package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avaserve/internal/config"
	"github.com/vyrodovalexey/avaserve/internal/observability"
)

const (
	defaultKeyPrefix = "avaserve:"
	redisPingTimeout = 5 * time.Second
	redisMaxRetries  = 3
)

// redisCache stores entries in redis. Several servers pointed at the same
// instance share cached responses.
type redisCache struct {
	logger     observability.Logger
	metrics    *CacheMetrics
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	ttlJitter  float64

	hits   int64
	misses int64
}

func newRedisCache(spec config.CacheSpec, o *options) (*redisCache, error) {
	if spec.Redis.URL == "" {
		return nil, fmt.Errorf("%w: cache.redis.url is required", ErrInvalidConfig)
	}

	redisOpts, err := redis.ParseURL(spec.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis URL: %w", ErrInvalidConfig, err)
	}
	redisOpts.MaxRetries = redisMaxRetries

	client := redis.NewClient(redisOpts)
	if err := pingRedis(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	c := &redisCache{
		logger:     o.logger,
		metrics:    o.metrics,
		client:     client,
		keyPrefix:  resolveKeyPrefix(spec.Redis.KeyPrefix),
		defaultTTL: spec.DefaultTTL,
		ttlJitter:  spec.Redis.TTLJitter,
	}

	c.logger.Info("redis cache initialized",
		observability.String("addr", redisOpts.Addr),
		observability.String("keyPrefix", c.keyPrefix),
		observability.Duration("defaultTTL", c.defaultTTL),
		observability.Float64("ttlJitter", c.ttlJitter))

	return c, nil
}

func pingRedis(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}

func resolveKeyPrefix(prefix string) string {
	if prefix == "" {
		return defaultKeyPrefix
	}
	return prefix
}

// applyTTLJitter varies ttl by up to ±jitterFactor so entries written
// together do not expire together.
func applyTTLJitter(ttl time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || ttl <= 0 {
		return ttl
	}
	if jitterFactor > 1.0 {
		jitterFactor = 1.0
	}
	//nolint:gosec // TTL jitter does not need cryptographic randomness
	jitter := time.Duration(float64(ttl) * jitterFactor * (2*rand.Float64() - 1))
	if result := ttl + jitter; result > 0 {
		return result
	}
	return ttl
}

// do runs one redis command inside a client span, timing it and
// recording failures. ErrCacheMiss is not a failure.
func (c *redisCache) do(ctx context.Context, op, key string, fn func(ctx context.Context, span trace.Span) error) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", TypeRedis),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx, span)
	c.metrics.operationDuration.WithLabelValues(TypeRedis, op).Observe(time.Since(start).Seconds())

	if err != nil && !errors.Is(err, ErrCacheMiss) {
		c.metrics.errorsTotal.WithLabelValues(TypeRedis, op).Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		c.logger.Error("redis command failed",
			observability.String("op", op),
			observability.String("key", key),
			observability.Error(err))
	}
	return err
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := c.do(ctx, "get", key, func(ctx context.Context, span trace.Span) error {
		var err error
		val, err = c.client.Get(ctx, c.keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			atomic.AddInt64(&c.misses, 1)
			c.metrics.missesTotal.WithLabelValues(TypeRedis).Inc()
			span.SetAttributes(attribute.Bool("cache.hit", false))
			return ErrCacheMiss
		}
		if err != nil {
			return err
		}
		atomic.AddInt64(&c.hits, 1)
		c.metrics.hitsTotal.WithLabelValues(TypeRedis).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", true), attribute.Int("cache.value_size", len(val)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores value under key. A zero ttl uses the store default, and the
// configured jitter is applied either way.
func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	ttl = applyTTLJitter(ttl, c.ttlJitter)
	return c.do(ctx, "set", key, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(attribute.Int("cache.value_size", len(value)))
		return c.client.Set(ctx, c.keyPrefix+key, value, ttl).Err()
	})
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.do(ctx, "delete", key, func(ctx context.Context, _ trace.Span) error {
		return c.client.Del(ctx, c.keyPrefix+key).Err()
	})
}

func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := c.do(ctx, "exists", key, func(ctx context.Context, span trace.Span) error {
		n, err := c.client.Exists(ctx, c.keyPrefix+key).Result()
		found = n > 0
		span.SetAttributes(attribute.Bool("cache.exists", found))
		return err
	})
	return found, err
}

// Close closes the redis connection pool.
func (c *redisCache) Close() error {
	c.logger.Info("redis cache closing")
	return c.client.Close()
}

// Stats returns cache statistics. Size is not tracked for redis.
func (c *redisCache) Stats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
}
