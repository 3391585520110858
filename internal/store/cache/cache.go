// Package cache stores replayable generation responses.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache: miss")

// CacheService is a JSON value store with per-entry expiry. Values are encoded
// on Set and decoded into dest on Get, so callers never share memory with the
// cache. A ttl of zero or less keeps the entry until it is deleted.
type CacheService interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
