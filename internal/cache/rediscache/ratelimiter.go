package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return NewRateLimiterWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

// NewRateLimiterWithClient shares c; closing c is the caller's job.
func NewRateLimiterWithClient(c *redis.Client) *RateLimiter {
	return &RateLimiter{c: c}
}

// Allow increments key; the first hit of a window sets its expiry and later
// hits leave it alone. It returns whether the hit fits in limit and the
// current count.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}
