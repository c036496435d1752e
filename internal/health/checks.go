package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avaserve/internal/cache"
)

// cacheHealthKey is looked up by CacheCheck. It is never written.
const cacheHealthKey = "avaserve:health:ping"

// GenerationCheck fails until a route table has been published.
func GenerationCheck(generation func() uint64) CheckFunc {
	return func(context.Context) error {
		if generation() == 0 {
			return errors.New("no configuration published yet")
		}
		return nil
	}
}

// CacheCheck looks up a key in the response cache store. A disabled cache is
// healthy.
func CacheCheck(c cache.Cache) CheckFunc {
	return func(ctx context.Context) error {
		_, err := c.Exists(ctx, cacheHealthKey)
		if err == nil || errors.Is(err, cache.ErrCacheDisabled) {
			return nil
		}
		return fmt.Errorf("cache unreachable: %w", err)
	}
}

// LastErrorCheck fails while lastError reports a message, for instance
// the error of the most recent configuration reload.
func LastErrorCheck(lastError func() string) CheckFunc {
	return func(context.Context) error {
		if msg := lastError(); msg != "" {
			return errors.New(msg)
		}
		return nil
	}
}
