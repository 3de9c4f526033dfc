// Package ratelimit gates outbound requests with per-source budgets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

// SourceLimit overrides the default budget for one source.
type SourceLimit struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// AcquireTimeout bounds how long Acquire may wait; zero waits for the caller's context only.
	AcquireTimeout time.Duration
	Sources        map[string]SourceLimit
}

// budget resolves the effective rate and burst for source.
func (c Config) budget(source string) (float64, int) {
	rps, burst := c.DefaultRPS, c.DefaultBurst
	if override, ok := c.Sources[source]; ok {
		if override.RPS > 0 {
			rps = override.RPS
		}
		if override.Burst > 0 {
			burst = override.Burst
		}
	}
	if burst <= 0 {
		burst = 1
	}
	return rps, burst
}

// Limiter is an in-process token bucket per source.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

// Acquire blocks until a token for source is available.
func (l *Limiter) Acquire(ctx context.Context, source string) error {
	limiter := l.limiterFor(source)

	waitCtx, cancel := withAcquireTimeout(ctx, l.cfg.AcquireTimeout)
	defer cancel()

	start := time.Now()
	if err := limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		}
		metrics.ObserveThrottled(source)
		return fmt.Errorf("acquire %s: %w", source, ingest.ErrThrottled)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(source, d)
	}
	return nil
}

func (l *Limiter) limiterFor(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[source]
	if !ok {
		rps, burst := l.cfg.budget(source)
		r := rate.Limit(rps)
		if rps <= 0 {
			r = rate.Inf
		}
		limiter = rate.NewLimiter(r, burst)
		l.limiters[source] = limiter
	}
	return limiter
}

func withAcquireTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
