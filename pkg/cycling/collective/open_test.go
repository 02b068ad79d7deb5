package collective_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/collective"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/config"
)

func TestIdentityFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		for _, key := range []string{"RANK", "WORLD_SIZE", "LOCAL_RANK", "CYCLING_SESSION"} {
			t.Setenv(key, "")
			require.NoError(t, os.Unsetenv(key))
		}
		id, err := collective.IdentityFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 0, id.Rank)
		assert.Equal(t, 1, id.WorldSize)
	})

	t.Run("explicit", func(t *testing.T) {
		t.Setenv("RANK", "3")
		t.Setenv("WORLD_SIZE", "8")
		t.Setenv("LOCAL_RANK", "1")
		t.Setenv("CYCLING_SESSION", "job-42")
		id, err := collective.IdentityFromEnv()
		require.NoError(t, err)
		assert.Equal(t, collective.Identity{Rank: 3, WorldSize: 8, LocalRank: 1, Session: "job-42"}, id)
	})

	t.Run("rank out of range", func(t *testing.T) {
		t.Setenv("RANK", "4")
		t.Setenv("WORLD_SIZE", "4")
		_, err := collective.IdentityFromEnv()
		assert.Error(t, err)
	})

	t.Run("not a number", func(t *testing.T) {
		t.Setenv("RANK", "zero")
		_, err := collective.IdentityFromEnv()
		assert.Error(t, err)
	})
}

func TestBackendFromConfig(t *testing.T) {
	cfg := config.New(map[string]any{
		"backend":       "file",
		"dir":           "/shared/rv",
		"poll_interval": "5ms",
	})
	id := collective.Identity{Rank: 1, WorldSize: 2, Session: "env-session"}

	bc := collective.BackendFromConfig(cfg, id)
	assert.Equal(t, collective.BackendConfig{
		Backend:      collective.BackendFile,
		Rank:         1,
		Size:         2,
		Session:      "env-session",
		Dir:          "/shared/rv",
		KeyPrefix:    collective.DefaultKeyPrefix,
		PollInterval: 5 * time.Millisecond,
	}, bc)

	bc = collective.BackendFromConfig(cfg.With("session", "file-session"), id)
	assert.Equal(t, "file-session", bc.Session)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("standalone", func(t *testing.T) {
		g, err := collective.Open(ctx, collective.BackendConfig{Size: 1})
		require.NoError(t, err)
		assert.Equal(t, collective.Standalone{}, g)
	})

	t.Run("standalone rejects world size", func(t *testing.T) {
		_, err := collective.Open(ctx, collective.BackendConfig{Backend: "standalone", Size: 2})
		assert.Error(t, err)
	})

	t.Run("file requires dir", func(t *testing.T) {
		_, err := collective.Open(ctx, collective.BackendConfig{Backend: "file", Size: 2})
		assert.Error(t, err)
	})

	t.Run("redis requires url", func(t *testing.T) {
		_, err := collective.Open(ctx, collective.BackendConfig{Backend: "redis", Size: 2})
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := collective.Open(ctx, collective.BackendConfig{Backend: "mpi"})
		assert.ErrorContains(t, err, "mpi")
	})

	t.Run("file ready", func(t *testing.T) {
		dir := t.TempDir()
		groups := make([]collective.Group, 3)
		for rank := range groups {
			g, err := collective.Open(ctx, collective.BackendConfig{
				Backend:      collective.BackendFile,
				Rank:         rank,
				Size:         3,
				Session:      "ready",
				Dir:          dir,
				PollInterval: time.Millisecond,
			})
			require.NoError(t, err)
			groups[rank] = g
		}

		eg, ctx := errgroup.WithContext(ctx)
		for _, g := range groups {
			eg.Go(func() error {
				defer g.Close()
				return collective.CheckReady(ctx, g)
			})
		}
		require.NoError(t, eg.Wait())
	})
}

func TestCheckReady_NotReady(t *testing.T) {
	// A group that answers with a tally short of its size.
	g := shortGroup{size: 3}
	err := collective.CheckReady(context.Background(), g)
	require.Error(t, err)
	assert.ErrorIs(t, err, collective.ErrNotReady)

	var nr *collective.NotReadyError
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, 3, nr.Expected)
	assert.Equal(t, 2, nr.Total)
}

type shortGroup struct{ size int }

func (g shortGroup) Rank() int                            { return 0 }
func (g shortGroup) Size() int                            { return g.size }
func (g shortGroup) Rendezvous(ctx context.Context) error { return nil }
func (g shortGroup) Close() error                         { return nil }
func (g shortGroup) ReduceVote(ctx context.Context, vote bool) (collective.Tally, error) {
	return collective.Tally{Yes: 2, Total: 2}, nil
}
