package collective_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/collective"
)

// groupFactory builds n participant handles sharing one collective and a
// cleanup func.
type groupFactory func(t *testing.T, n int) []collective.Group

// groupContractTest runs the behaviour every backend must share.
func groupContractTest(t *testing.T, name string, factory groupFactory) {
	t.Run(name+"/Rendezvous_AllArrive", func(t *testing.T) {
		members := factory(t, 3)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		eg, ctx := errgroup.WithContext(ctx)
		for _, m := range members {
			eg.Go(func() error { return m.Rendezvous(ctx) })
		}
		require.NoError(t, eg.Wait())
	})

	t.Run(name+"/ReduceVote_TalliesAll", func(t *testing.T) {
		members := factory(t, 4)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tallies := make([]collective.Tally, len(members))
		eg, ctx := errgroup.WithContext(ctx)
		for i, m := range members {
			eg.Go(func() error {
				tally, err := m.ReduceVote(ctx, i%2 == 0)
				tallies[i] = tally
				return err
			})
		}
		require.NoError(t, eg.Wait())

		for _, tally := range tallies {
			assert.Equal(t, collective.Tally{Yes: 2, Total: 4}, tally)
			assert.True(t, tally.Any())
			assert.False(t, tally.All())
		}
	})

	t.Run(name+"/ManyRounds", func(t *testing.T) {
		members := factory(t, 2)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		eg, ctx := errgroup.WithContext(ctx)
		for _, m := range members {
			eg.Go(func() error {
				for round := range 5 {
					if err := m.Rendezvous(ctx); err != nil {
						return err
					}
					tally, err := m.ReduceVote(ctx, round%2 == 0)
					if err != nil {
						return err
					}
					if tally.All() != (round%2 == 0) {
						return errors.New("unexpected tally")
					}
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())
	})

	t.Run(name+"/Mismatch", func(t *testing.T) {
		members := factory(t, 2)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		errs := make([]error, 2)
		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			errs[0] = members[0].Rendezvous(ctx)
			return nil
		})
		eg.Go(func() error {
			_, errs[1] = members[1].ReduceVote(ctx, true)
			return nil
		})
		require.NoError(t, eg.Wait())

		for _, err := range errs {
			assert.ErrorIs(t, err, collective.ErrCollectiveMismatch)
		}
	})

	t.Run(name+"/ContextCancelled", func(t *testing.T) {
		members := factory(t, 2)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := members[0].Rendezvous(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		var roundErr *collective.RoundError
		require.ErrorAs(t, err, &roundErr)
		assert.Equal(t, 0, roundErr.Rank)
	})

	t.Run(name+"/AbandonedCallDoesNotCompleteLaterRound", func(t *testing.T) {
		members := factory(t, 2)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, members[0].Rendezvous(ctx), context.DeadlineExceeded)

		// Rank 1 never arrives, so the retry must not succeed either.
		ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel2()
		assert.ErrorIs(t, members[0].Rendezvous(ctx2), context.DeadlineExceeded)
	})

	t.Run(name+"/RankAndSize", func(t *testing.T) {
		members := factory(t, 3)
		for i, m := range members {
			assert.Equal(t, i, m.Rank())
			assert.Equal(t, 3, m.Size())
		}
	})
}

func TestLocalGroup_Contract(t *testing.T) {
	groupContractTest(t, "LocalGroup", func(t *testing.T, n int) []collective.Group {
		g := collective.NewLocalGroup(n)
		t.Cleanup(func() { _ = g.Close() })
		return g.Members()
	})
}

func TestFileGroup_Contract(t *testing.T) {
	groupContractTest(t, "FileGroup", func(t *testing.T, n int) []collective.Group {
		root := t.TempDir()
		session := uuid.NewString()
		out := make([]collective.Group, n)
		for i := range out {
			g, err := collective.NewFileGroup(root, session, i, n,
				collective.WithPollInterval(time.Millisecond))
			require.NoError(t, err)
			out[i] = g
		}
		return out
	})
}

func TestRedisGroup_Contract(t *testing.T) {
	url := os.Getenv("CYCLING_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CYCLING_TEST_REDIS_URL not set")
	}
	groupContractTest(t, "RedisGroup", func(t *testing.T, n int) []collective.Group {
		ctx := context.Background()
		session := uuid.NewString()
		out := make([]collective.Group, n)
		for i := range out {
			client, err := collective.DialRedis(ctx, url)
			require.NoError(t, err)
			t.Cleanup(func() { _ = client.Close() })
			g, err := collective.NewRedisGroup(client, session, i, n,
				collective.WithPollInterval(time.Millisecond),
				collective.WithKeyPrefix("cycling-test"))
			require.NoError(t, err)
			out[i] = g
		}
		return out
	})
}

func TestStandalone(t *testing.T) {
	ctx := context.Background()
	var g collective.Group = collective.Standalone{}

	assert.Equal(t, 0, g.Rank())
	assert.Equal(t, 1, g.Size())
	require.NoError(t, g.Rendezvous(ctx))

	tally, err := g.ReduceVote(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, collective.Tally{Yes: 1, Total: 1}, tally)

	tally, err = g.ReduceVote(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, collective.Tally{Yes: 0, Total: 1}, tally)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, g.Rendezvous(cancelled), context.Canceled)
}

func TestLocalGroup_CloseUnblocksPending(t *testing.T) {
	g := collective.NewLocalGroup(2)

	done := make(chan error, 1)
	go func() {
		done <- g.Member(0).Rendezvous(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, g.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, collective.ErrGroupClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending rendezvous was not released by Close")
	}
}

func TestLocalGroup_WithdrawnMemberRejoins(t *testing.T) {
	g := collective.NewLocalGroup(2)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Member(0).Rendezvous(ctx), context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	tallies := make([]collective.Tally, 2)
	eg, ctx2 := errgroup.WithContext(ctx2)
	for rank, m := range g.Members() {
		eg.Go(func() error {
			tl, err := m.ReduceVote(ctx2, rank == 0)
			tallies[rank] = tl
			return err
		})
	}
	require.NoError(t, eg.Wait())
	for _, tl := range tallies {
		assert.Equal(t, collective.Tally{Yes: 1, Total: 2}, tl, "the abandoned request is not counted")
	}
}

func TestTally(t *testing.T) {
	tests := []struct {
		name  string
		tally collective.Tally
		any   bool
		all   bool
	}{
		{name: "none", tally: collective.Tally{Yes: 0, Total: 3}, any: false, all: false},
		{name: "some", tally: collective.Tally{Yes: 1, Total: 3}, any: true, all: false},
		{name: "every", tally: collective.Tally{Yes: 3, Total: 3}, any: true, all: true},
		{name: "empty", tally: collective.Tally{}, any: false, all: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.any, tt.tally.Any())
			assert.Equal(t, tt.all, tt.tally.All())
		})
	}
}
