package cycling_test

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/StrongResearch/cycling-utils/pkg/cycling"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/checkpoint"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/collective"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/sampler"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var standalone = cycling.WithCheckpointOptions(
	checkpoint.WithName("run"),
	checkpoint.WithStrategy(checkpoint.StrategyStandalone),
)

func newStandalone(t *testing.T, ctx context.Context, d checkpoint.Dir, s sampler.Resumable, opts ...cycling.Option) *cycling.Cycler {
	t.Helper()
	c, err := cycling.New(ctx, d, nil, s, append([]cycling.Option{standalone}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestCycler_ResumeNothingPublished(t *testing.T) {
	ctx := testContext(t)
	s, err := sampler.New(10)
	require.NoError(t, err)

	c := newStandalone(t, ctx, checkpoint.NewMemoryDir(""), s)
	ok, err := c.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Iteration())
	assert.NotEmpty(t, c.RunID())
}

func TestCycler_InterruptAndResume(t *testing.T) {
	ctx := testContext(t)
	d := checkpoint.NewMemoryDir("")

	s, err := sampler.New(10, sampler.WithSeed(5))
	require.NoError(t, err)
	c := newStandalone(t, ctx, d, s, cycling.WithSaveInterval(3), cycling.WithRunID("first"))

	scope, err := s.BeginEpoch(2)
	require.NoError(t, err)
	full := s.Remaining()

	var written []int
	write := func(_ context.Context, w *cycling.SlotWriter) error {
		written = append(written, w.Slot.Seq)
		return w.WriteFile("model.bin", []byte(fmt.Sprintf("weights@%d", s.Progress())))
	}
	for range s.Indices() {
		require.NoError(t, c.Step(ctx, 1, write))
		if s.Progress() == 8 {
			break // crash before the epoch finishes
		}
	}
	scope.End()
	assert.Equal(t, []int{0, 1}, written, "checkpoints at steps 3 and 6")

	slot, _, ok, err := c.Coordinator().Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, slot.Seq)

	restored, err := sampler.New(10, sampler.WithSeed(5))
	require.NoError(t, err)
	c2 := newStandalone(t, ctx, d, restored, cycling.WithSaveInterval(3))

	ok, err = c2.Resume(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(6), c2.Iteration())
	assert.Equal(t, sampler.State{Progress: 6, Epoch: 2}, restored.State())

	scope, err = restored.BeginEpoch(restored.Epoch())
	require.NoError(t, err)
	defer scope.End()
	assert.Equal(t, full[6:], slices.Collect(restored.Indices()))

	raw, err := d.ReadFile(filepath.Join(slot.DirName(), "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "weights@6", string(raw))
}

func TestCycler_StateFile(t *testing.T) {
	ctx := testContext(t)
	d := checkpoint.NewMemoryDir("")
	s, err := sampler.New(4)
	require.NoError(t, err)
	c := newStandalone(t, ctx, d, s, cycling.WithSaveInterval(0), cycling.WithRunID("run-42"))

	require.NoError(t, s.SetEpoch(1))
	require.NoError(t, c.Step(ctx, 2, nil))

	slot, err := c.Checkpoint(ctx, true, nil)
	require.NoError(t, err)
	assert.True(t, slot.Force)

	var st cycling.CycleState
	require.NoError(t, checkpoint.LoadJSON(d, filepath.Join(slot.DirName(), cycling.StateFile), &st))
	assert.Equal(t, cycling.StateVersion, st.Version)
	assert.Equal(t, sampler.State{Progress: 2, Epoch: 1}, st.State)
	assert.Equal(t, int64(1), st.Iteration)
	assert.Equal(t, "run-42", st.RunID)
	assert.False(t, st.SavedAt.IsZero())

	raw, err := d.ReadFile(filepath.Join(slot.DirName(), cycling.StateFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"progress": 2`)
}

func TestCycler_ResumeErrors(t *testing.T) {
	ctx := testContext(t)

	publish := func(t *testing.T, d checkpoint.Dir, body string) {
		t.Helper()
		coord, err := checkpoint.NewCoordinator(ctx, d, nil,
			checkpoint.WithName("run"), checkpoint.WithStrategy(checkpoint.StrategyStandalone))
		require.NoError(t, err)
		p, err := coord.Prepare(ctx, false)
		require.NoError(t, err)
		if body != "" {
			require.NoError(t, d.WriteFile(filepath.Join(p.Slot.DirName(), cycling.StateFile), []byte(body)))
		}
		require.NoError(t, coord.Publish(ctx, p))
	}

	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "missing state file", want: cycling.ErrDeserializeState},
		{name: "corrupt state file", body: "{", want: cycling.ErrDeserializeState},
		{name: "future version", body: `{"version": 9, "progress": 0, "epoch": 0}`, want: cycling.ErrStateVersionMismatch},
		{name: "progress beyond capacity", body: `{"version": 1, "progress": 50, "epoch": 0}`, want: sampler.ErrProgressOverrun},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := checkpoint.NewMemoryDir("")
			publish(t, d, tt.body)

			s, err := sampler.New(4)
			require.NoError(t, err)
			c := newStandalone(t, ctx, d, s)

			ok, err := c.Resume(ctx)
			assert.False(t, ok)
			assert.ErrorIs(t, err, tt.want)

			var re *cycling.ResumeError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, filepath.Join(d.Root(), "run_checkpoint_0"), re.Path)
		})
	}
}

func TestCycler_GroupedSampler(t *testing.T) {
	ctx := testContext(t)
	groups := []string{"a", "a", "b", "b", "a", "a"}
	g, err := sampler.NewGrouped(groups, 2, sampler.WithShuffle(false))
	require.NoError(t, err)
	c := newStandalone(t, ctx, checkpoint.NewMemoryDir(""), g, cycling.WithSaveInterval(0))

	assert.ErrorIs(t, c.Step(ctx, 1, nil), sampler.ErrSequencing)

	require.NoError(t, g.SetEpoch(0))
	require.NoError(t, c.Step(ctx, 2, nil))
	assert.Equal(t, 2, g.Progress())

	err = c.Step(ctx, 2, nil)
	assert.ErrorIs(t, err, sampler.ErrProgressOverrun)
	assert.Equal(t, 2, g.Progress(), "failed step leaves progress unchanged")
	assert.Equal(t, int64(1), c.Iteration())

	assert.ErrorIs(t, c.Step(ctx, -1, nil), sampler.ErrInvalidArgument)

	err = c.Step(ctx, math.MaxInt, nil)
	var pe *sampler.ProgressOverrunError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Progress)
	assert.Equal(t, math.MaxInt, pe.Advance)
	assert.Equal(t, 2, g.Progress())
}

// stateOnly satisfies sampler.Resumable without any Advance method.
type stateOnly struct{ sampler.Resumable }

func TestNew_UnsupportedSampler(t *testing.T) {
	_, err := cycling.New(testContext(t), checkpoint.NewMemoryDir(""), nil, stateOnly{}, standalone)
	assert.ErrorIs(t, err, cycling.ErrUnsupportedSampler)
}

func TestCycler_WriteFailureAborts(t *testing.T) {
	ctx := testContext(t)
	d := checkpoint.NewMemoryDir("")
	s, err := sampler.New(4)
	require.NoError(t, err)
	c := newStandalone(t, ctx, d, s)

	_, err = c.Checkpoint(ctx, false, func(context.Context, *cycling.SlotWriter) error {
		return fmt.Errorf("disk full")
	})
	assert.ErrorContains(t, err, "disk full")

	_, _, ok, err := c.Coordinator().Latest(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "nothing published")
}

func TestCycler_MultipleParticipants(t *testing.T) {
	const workers, size = 3, 30
	ctx := testContext(t)
	d := checkpoint.NewMemoryDir("")

	run := func(stopAt int) []sampler.State {
		lg := collective.NewLocalGroup(workers)
		defer lg.Close()

		states := make([]sampler.State, workers)
		var eg errgroup.Group
		for rank, m := range lg.Members() {
			eg.Go(func() error {
				s, err := sampler.New(size, sampler.WithReplicas(workers, rank), sampler.WithSeed(1))
				if err != nil {
					return err
				}
				c, err := cycling.New(ctx, d, m, s,
					cycling.WithSaveInterval(2),
					cycling.WithCheckpointOptions(checkpoint.WithName("run"), checkpoint.WithKeepLast(1)),
				)
				if err != nil {
					return err
				}
				if _, err := c.Resume(ctx); err != nil {
					return err
				}
				scope, err := s.BeginEpoch(s.Epoch())
				if err != nil {
					return err
				}
				defer scope.End()

				write := func(_ context.Context, w *cycling.SlotWriter) error {
					return w.WriteFile(fmt.Sprintf("rank-%d.bin", w.Rank), []byte("shard"))
				}
				for range s.Indices() {
					if err := c.Step(ctx, 1, write); err != nil {
						return err
					}
					if s.Progress() == stopAt {
						break
					}
				}
				states[rank] = s.State()
				return nil
			})
		}
		require.NoError(t, eg.Wait())
		return states
	}

	for _, st := range run(9) {
		assert.Equal(t, sampler.State{Progress: 9, Epoch: 0}, st)
	}

	slot, _, ok, err := checkpoint.Latest(ctx, d, "run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, slot.Seq, "checkpoints at steps 2, 4, 6 and 8")
	for rank := range workers {
		ok, err := d.Exists(filepath.Join(slot.DirName(), fmt.Sprintf("rank-%d.bin", rank)))
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// The second run resumes at progress 8 and finishes the epoch.
	for _, st := range run(10) {
		assert.Equal(t, sampler.State{Progress: 10, Epoch: 0}, st)
	}
	l, err := checkpoint.NewAllocator(d, "run", -1).Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, l.LatestSeq, "one more checkpoint at step 10")
	assert.Len(t, l.Slots, 1)
}
