package collective

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for polling backends.
const (
	DefaultPollInterval = 20 * time.Millisecond
	DefaultKeyTTL       = 24 * time.Hour
	DefaultKeyPrefix    = "cycling"
)

type backendOptions struct {
	pollInterval time.Duration
	keyTTL       time.Duration
	keyPrefix    string
	logger       *slog.Logger
}

func defaultBackendOptions() backendOptions {
	return backendOptions{
		pollInterval: DefaultPollInterval,
		keyTTL:       DefaultKeyTTL,
		keyPrefix:    DefaultKeyPrefix,
	}
}

// BackendOption configures a FileGroup or RedisGroup.
type BackendOption func(*backendOptions)

// WithPollInterval sets how often a waiting participant re-checks the
// round for arrivals. Non-positive values are ignored.
func WithPollInterval(d time.Duration) BackendOption {
	return func(o *backendOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithKeyTTL sets the expiry applied to Redis round keys.
func WithKeyTTL(d time.Duration) BackendOption {
	return func(o *backendOptions) {
		if d > 0 {
			o.keyTTL = d
		}
	}
}

// WithKeyPrefix sets the Redis key namespace.
func WithKeyPrefix(prefix string) BackendOption {
	return func(o *backendOptions) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithLogger sets a logger for round-level debug output.
func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *backendOptions) {
		o.logger = logger
	}
}

// pace waits for the next poll slot. When the limiter refuses because the
// next slot lies past the context deadline, it waits for the deadline so the
// caller sees ctx.Err() rather than the limiter's own error.
func pace(ctx context.Context, limiter *rate.Limiter) error {
	if err := limiter.Wait(ctx); err != nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}
