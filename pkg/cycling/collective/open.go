package collective

import (
	"context"
	"fmt"
	"time"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/config"
)

// Backend names accepted by Open.
const (
	BackendStandalone = "standalone"
	BackendFile       = "file"
	BackendRedis      = "redis"
)

// BackendConfig selects and parameterizes a cross-process backend.
type BackendConfig struct {
	Backend      string
	Rank         int
	Size         int
	Session      string
	Dir          string // file backend root
	RedisURL     string
	KeyPrefix    string
	PollInterval time.Duration
}

// BackendFromConfig reads a [collective] section. Identity supplies rank,
// size, and session; a session set in the file wins over the environment.
func BackendFromConfig(cfg config.Config, id Identity) BackendConfig {
	return BackendConfig{
		Backend:      cfg.String("backend", BackendStandalone),
		Rank:         id.Rank,
		Size:         id.WorldSize,
		Session:      cfg.String("session", id.Session),
		Dir:          cfg.String("dir", ""),
		RedisURL:     cfg.String("redis_url", ""),
		KeyPrefix:    cfg.String("key_prefix", DefaultKeyPrefix),
		PollInterval: cfg.Duration("poll_interval", DefaultPollInterval),
	}
}

// Open constructs the backend named by bc.Backend.
func Open(ctx context.Context, bc BackendConfig, opts ...BackendOption) (Group, error) {
	opts = append([]BackendOption{
		WithPollInterval(bc.PollInterval),
		WithKeyPrefix(bc.KeyPrefix),
	}, opts...)

	switch bc.Backend {
	case "", BackendStandalone:
		if bc.Size > 1 {
			return nil, fmt.Errorf("standalone backend requires world size 1, got %d", bc.Size)
		}
		return Standalone{}, nil
	case BackendFile:
		if bc.Dir == "" {
			return nil, fmt.Errorf("file backend requires a directory")
		}
		return NewFileGroup(bc.Dir, bc.Session, bc.Rank, bc.Size, opts...)
	case BackendRedis:
		if bc.RedisURL == "" {
			return nil, fmt.Errorf("redis backend requires a URL")
		}
		client, err := DialRedis(ctx, bc.RedisURL)
		if err != nil {
			return nil, err
		}
		g, err := NewRedisGroup(client, bc.Session, bc.Rank, bc.Size, opts...)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		g.owned = true
		return g, nil
	default:
		return nil, fmt.Errorf("unknown collective backend %q", bc.Backend)
	}
}
