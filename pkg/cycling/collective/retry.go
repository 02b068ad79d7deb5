package collective

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures how joining a backend is retried while its
// server comes up.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the wait after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each failure.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64
}

// DefaultDialRetry retries a connection for roughly half a minute.
var DefaultDialRetry = RetryConfig{
	MaxAttempts:    6,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry makes a single attempt.
var NoRetry = RetryConfig{MaxAttempts: 1}

// retry calls fn until it succeeds, attempts run out, or ctx ends. It
// returns the number of attempts made and the last error.
func retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) (int, error) {
	attempts := max(cfg.MaxAttempts, 1)
	backoff := cfg.InitialBackoff
	var err error
	for attempt := range attempts {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return attempt, err
		}
		if err = fn(ctx); err == nil {
			return attempt + 1, nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return attempt + 1, err
		case <-time.After(jittered(backoff, cfg.Jitter)):
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return attempts, err
}

// jittered returns base +/- base*jitter*rand.
func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	return time.Duration(float64(base) + float64(base)*jitter*(rand.Float64()*2-1))
}
