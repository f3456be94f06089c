// Package ratelimit implements fixed-window admission for ports.RateLimiter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

// Redis counts calls per identifier and window in a shared Redis, so every
// kernel replica applies the same limit.
type Redis struct {
	rdb    *redis.Client
	clock  clock.Clock
	prefix string
}

var _ ports.RateLimiter = (*Redis)(nil)

func NewRedis(rdb *redis.Client, clk clock.Clock) *Redis {
	if clk == nil {
		clk = clock.New()
	}
	return &Redis{rdb: rdb, clock: clk, prefix: "ratelimit"}
}

// Allow increments the counter for the current window. The key expires with
// the window.
func (r *Redis) Allow(ctx context.Context, identifier string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("%s:%s:%d", r.prefix, identifier, windowIndex(r.clock.Now(), window))

	cnt, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if cnt == 1 {
		if err := r.rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return cnt <= int64(limit), nil
}

func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}
