package cache

import (
	"container/list"
	"context"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avaserve/internal/config"
	"github.com/vyrodovalexey/avaserve/internal/observability"
)

const (
	// cacheTracerName is the OpenTelemetry tracer name for cache operations.
	cacheTracerName = "avaserve/cache"

	memoryShards    = 32
	cleanupInterval = time.Minute
)

// memoryCache is an in-memory LRU cache. Entries are spread over shards
// that lock independently; the recency list has its own mutex. Lock
// order is shard, then list; eviction never holds both.
type memoryCache struct {
	logger     observability.Logger
	metrics    *CacheMetrics
	maxEntries int
	defaultTTL time.Duration

	seed   maphash.Seed
	shards [memoryShards]*memoryShard

	lruMu sync.Mutex
	lru   *list.List

	hits   int64
	misses int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

type memoryShard struct {
	mu    sync.RWMutex
	items map[string]*memoryCacheEntry
}

// memoryCacheEntry is one stored value. elem and removed are guarded by
// the list mutex.
type memoryCacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time

	elem    *list.Element
	removed bool
}

func (e *memoryCacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func newMemoryCache(spec config.CacheSpec, o *options) *memoryCache {
	maxEntries := spec.MaxEntries
	if maxEntries <= 0 {
		maxEntries = config.DefaultCacheMaxEntries
	}

	c := &memoryCache{
		logger:     o.logger,
		metrics:    o.metrics,
		maxEntries: maxEntries,
		defaultTTL: spec.DefaultTTL,
		seed:       maphash.MakeSeed(),
		lru:        list.New(),
		stopCh:     make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &memoryShard{items: make(map[string]*memoryCacheEntry)}
	}

	go c.cleanupLoop()

	c.logger.Info("memory cache initialized",
		observability.Int("maxEntries", maxEntries),
		observability.Int("shards", memoryShards),
		observability.Duration("defaultTTL", c.defaultTTL))

	return c
}

func (c *memoryCache) shard(key string) *memoryShard {
	return c.shards[maphash.String(c.seed, key)%memoryShards]
}

func (c *memoryCache) startSpan(ctx context.Context, op, key string) trace.Span {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", TypeMemory),
			attribute.String("cache.key", key),
		),
	)
	return span
}

// Get retrieves a value from the cache.
func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	span := c.startSpan(ctx, "cache.Get", key)
	defer span.End()

	start := time.Now()
	defer func() {
		c.metrics.operationDuration.WithLabelValues(TypeMemory, "get").Observe(time.Since(start).Seconds())
	}()

	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()

	if ok && entry.expired(time.Now()) {
		c.remove(s, entry)
		ok = false
	}
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		c.metrics.missesTotal.WithLabelValues(TypeMemory).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	c.lruMu.Lock()
	if entry.elem != nil {
		c.lru.MoveToFront(entry.elem)
	}
	c.lruMu.Unlock()

	atomic.AddInt64(&c.hits, 1)
	c.metrics.hitsTotal.WithLabelValues(TypeMemory).Inc()
	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.Int("cache.value_size", len(entry.value)),
	)
	return entry.value, nil
}

// Set stores a value in the cache, evicting the least recently used
// entries beyond the capacity.
func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	span := c.startSpan(ctx, "cache.Set", key)
	span.SetAttributes(attribute.Int("cache.value_size", len(value)))
	defer span.End()

	start := time.Now()
	defer func() {
		c.metrics.operationDuration.WithLabelValues(TypeMemory, "set").Observe(time.Since(start).Seconds())
	}()

	if ttl == 0 {
		ttl = c.defaultTTL
	}
	entry := &memoryCacheEntry{key: key, value: value}
	if ttl > 0 {
		entry.expiresAt = start.Add(ttl)
	}

	s := c.shard(key)
	s.mu.Lock()
	previous := s.items[key]
	s.items[key] = entry
	s.mu.Unlock()

	var victims []*memoryCacheEntry
	c.lruMu.Lock()
	if previous != nil {
		c.unlink(previous)
	}
	if !entry.removed {
		entry.elem = c.lru.PushFront(entry)
	}
	for c.lru.Len() > c.maxEntries {
		victim := c.lru.Back().Value.(*memoryCacheEntry)
		c.unlink(victim)
		victims = append(victims, victim)
	}
	size := c.lru.Len()
	c.lruMu.Unlock()

	for _, victim := range victims {
		vs := c.shard(victim.key)
		vs.mu.Lock()
		if vs.items[victim.key] == victim {
			delete(vs.items, victim.key)
		}
		vs.mu.Unlock()
	}
	if len(victims) > 0 {
		c.metrics.evictionsTotal.WithLabelValues(TypeMemory).Add(float64(len(victims)))
		c.logger.Debug("cache evicted entries", observability.Int("count", len(victims)))
	}
	c.metrics.sizeGauge.WithLabelValues(TypeMemory).Set(float64(size))

	return nil
}

// Delete removes a value from the cache.
func (c *memoryCache) Delete(ctx context.Context, key string) error {
	span := c.startSpan(ctx, "cache.Delete", key)
	defer span.End()

	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		c.remove(s, entry)
	}
	return nil
}

// Exists checks if a live key exists in the cache.
func (c *memoryCache) Exists(ctx context.Context, key string) (bool, error) {
	span := c.startSpan(ctx, "cache.Exists", key)
	defer span.End()

	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()

	if ok && entry.expired(time.Now()) {
		c.remove(s, entry)
		ok = false
	}
	span.SetAttributes(attribute.Bool("cache.exists", ok))
	return ok, nil
}

// Close stops the cleanup goroutine and drops all entries.
func (c *memoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*memoryCacheEntry)
		s.mu.Unlock()
	}
	c.lruMu.Lock()
	c.lru.Init()
	c.lruMu.Unlock()

	c.metrics.sizeGauge.WithLabelValues(TypeMemory).Set(0)
	c.logger.Info("memory cache closed")
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.lruMu.Lock()
	size := int64(c.lru.Len())
	c.lruMu.Unlock()

	return CacheStats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Size:   size,
	}
}

// remove deletes entry from its shard if it is still the stored one and
// drops it from the recency list.
func (c *memoryCache) remove(s *memoryShard, entry *memoryCacheEntry) {
	s.mu.Lock()
	if s.items[entry.key] == entry {
		delete(s.items, entry.key)
	}
	s.mu.Unlock()

	c.lruMu.Lock()
	c.unlink(entry)
	c.lruMu.Unlock()
}

// unlink must be called with the list mutex held.
func (c *memoryCache) unlink(entry *memoryCacheEntry) {
	entry.removed = true
	if entry.elem != nil {
		c.lru.Remove(entry.elem)
		entry.elem = nil
	}
}

// cleanupLoop periodically removes expired entries.
func (c *memoryCache) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

func (c *memoryCache) cleanup() {
	now := time.Now()
	var expired int
	for _, s := range c.shards {
		var stale []*memoryCacheEntry
		s.mu.RLock()
		for _, entry := range s.items {
			if entry.expired(now) {
				stale = append(stale, entry)
			}
		}
		s.mu.RUnlock()

		for _, entry := range stale {
			c.remove(s, entry)
		}
		expired += len(stale)
	}

	if expired > 0 {
		c.logger.Debug("cache cleanup removed expired entries", observability.Int("count", expired))
	}
}
