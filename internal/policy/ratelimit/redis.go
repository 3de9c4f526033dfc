package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

// Counter is the subset of the Redis client used by RedisLimiter.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisLimiter enforces per-source budgets shared by every process using the same Redis.
// Each source gets Burst requests per window of Burst/RPS seconds.
type RedisLimiter struct {
	client Counter
	prefix string
	cfg    Config
	now    func() time.Time
}

// NewRedis creates a RedisLimiter storing counters under prefix.
func NewRedis(client Counter, prefix string, cfg Config) *RedisLimiter {
	if prefix == "" {
		prefix = "ingest:ratelimit"
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Acquire blocks until the current window for source has room.
func (l *RedisLimiter) Acquire(ctx context.Context, source string) error {
	rps, burst := l.cfg.budget(source)
	if rps <= 0 {
		return nil
	}
	window := time.Duration(float64(burst) / rps * float64(time.Second))

	waitCtx, cancel := withAcquireTimeout(ctx, l.cfg.AcquireTimeout)
	defer cancel()

	start := time.Now()
	for {
		now := l.now()
		slot := now.UnixNano() / int64(window)
		key := fmt.Sprintf("%s:%s:%d", l.prefix, source, slot)

		n, err := l.client.Incr(waitCtx, key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("rate limit wait: %w", ctx.Err())
			}
			if waitCtx.Err() != nil {
				metrics.ObserveThrottled(source)
				return fmt.Errorf("acquire %s: %w", source, ingest.ErrThrottled)
			}
			return fmt.Errorf("incr %s: %w", key, err)
		}
		if n == 1 {
			if err := l.client.Expire(waitCtx, key, 2*window).Err(); err != nil {
				return fmt.Errorf("expire %s: %w", key, err)
			}
		}
		if n <= int64(burst) {
			if d := time.Since(start); d > time.Millisecond {
				metrics.ObserveRateLimitDelay(source, d)
			}
			return nil
		}

		wait := time.Duration((slot+1)*int64(window) - now.UnixNano())
		timer := time.NewTimer(wait)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return fmt.Errorf("rate limit wait: %w", ctx.Err())
			}
			metrics.ObserveThrottled(source)
			return fmt.Errorf("acquire %s: %w", source, ingest.ErrThrottled)
		case <-timer.C:
		}
	}
}
