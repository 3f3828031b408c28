package cache

import (
	"context"
	"time"
)

// BytesCache is a best-effort key/value cache. A miss is (nil, false, nil).
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RateLimiter counts hits per key inside a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}
