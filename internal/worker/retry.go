package worker

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

// RetryPolicy decides when a failed job runs again.
type RetryPolicy struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	ThrottleCooldown time.Duration
}

// DefaultRetryPolicy returns the production retry budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:       5,
		BaseDelay:        30 * time.Second,
		MaxDelay:         30 * time.Minute,
		ThrottleCooldown: 5 * time.Minute,
	}
}

// Exhausted reports whether a job that has now failed attempts times is out of retries.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxRetries
}

// Delay returns how long to wait before attempt number attempts+1 after err.
// Throttling never waits less than the cooldown.
func (p RetryPolicy) Delay(attempts int, err error) time.Duration {
	d := p.Backoff(attempts)
	if errors.Is(err, ingest.ErrThrottled) && d < p.ThrottleCooldown {
		d = p.ThrottleCooldown
	}
	return d
}

// Backoff returns a jittered exponential delay in [delay/2, delay) where delay
// doubles per attempt from BaseDelay up to MaxDelay.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempts-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
