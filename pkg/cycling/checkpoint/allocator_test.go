package checkpoint_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/checkpoint"
)

// seedDir creates slot directories and points the pointer at latest (when
// latest is non-nil).
func seedDir(t *testing.T, d checkpoint.Dir, slots []checkpoint.Slot, latest *checkpoint.Slot) {
	t.Helper()
	for _, s := range slots {
		require.NoError(t, d.Mkdir(s.DirName()))
	}
	if latest != nil {
		require.NoError(t, d.Symlink(filepath.Join(d.Root(), latest.DirName()), checkpoint.PointerName(latest.Name)))
	}
}

// listFailDir is a MemoryDir whose List fails while err is set.
type listFailDir struct {
	*checkpoint.MemoryDir
	err error
}

func (d *listFailDir) List() ([]checkpoint.Entry, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.MemoryDir.List()
}

func slot(seq int) checkpoint.Slot {
	return checkpoint.Slot{Name: "run", Seq: seq}
}

func forceSlot(seq int) checkpoint.Slot {
	return checkpoint.Slot{Name: "run", Seq: seq, Force: true}
}

func TestAllocator_Scan(t *testing.T) {
	ctx := context.Background()

	t.Run("empty root", func(t *testing.T) {
		d := checkpoint.NewMemoryDir("")
		l, err := checkpoint.NewAllocator(d, "run", -1).Scan(ctx)
		require.NoError(t, err)
		assert.Equal(t, -1, l.LatestSeq)
		assert.False(t, l.HasPointer())
		assert.Empty(t, l.Slots)
	})

	t.Run("resolves pointer and orders slots", func(t *testing.T) {
		d := checkpoint.NewMemoryDir("")
		latest := slot(2)
		seedDir(t, d, []checkpoint.Slot{slot(3), forceSlot(1), slot(2), slot(1), slot(0)}, &latest)
		require.NoError(t, d.Mkdir("other_checkpoint_9"))
		require.NoError(t, d.WriteFile("run_checkpoint_8", []byte("a file, not a slot")))

		l, err := checkpoint.NewAllocator(d, "run", -1).Scan(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, l.LatestSeq)
		assert.Equal(t, latest, l.Latest)
		assert.Equal(t, filepath.Join(d.Root(), "run_checkpoint_2"), l.Target)
		assert.Equal(t, []checkpoint.Slot{slot(0), slot(1), forceSlot(1), slot(2), slot(3)}, l.Slots)
	})

	t.Run("relative pointer target", func(t *testing.T) {
		d := checkpoint.NewMemoryDir("")
		seedDir(t, d, []checkpoint.Slot{slot(0)}, nil)
		require.NoError(t, d.Symlink("run_checkpoint_0", checkpoint.PointerName("run")))

		l, err := checkpoint.NewAllocator(d, "run", -1).Scan(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, l.LatestSeq)
	})

	inconsistent := []struct {
		name  string
		setup func(t *testing.T, d checkpoint.Dir)
	}{
		{
			name: "dangling pointer",
			setup: func(t *testing.T, d checkpoint.Dir) {
				missing := slot(4)
				seedDir(t, d, []checkpoint.Slot{slot(3)}, &missing)
			},
		},
		{
			name: "pointer outside root",
			setup: func(t *testing.T, d checkpoint.Dir) {
				seedDir(t, d, []checkpoint.Slot{slot(0)}, nil)
				require.NoError(t, d.Symlink("/elsewhere/run_checkpoint_0", checkpoint.PointerName("run")))
			},
		},
		{
			name: "pointer to foreign slot",
			setup: func(t *testing.T, d checkpoint.Dir) {
				require.NoError(t, d.Mkdir("other_checkpoint_0"))
				require.NoError(t, d.Symlink(filepath.Join(d.Root(), "other_checkpoint_0"), checkpoint.PointerName("run")))
			},
		},
		{
			name: "lost pointer",
			setup: func(t *testing.T, d checkpoint.Dir) {
				seedDir(t, d, []checkpoint.Slot{slot(0), slot(1)}, nil)
			},
		},
	}
	for _, tt := range inconsistent {
		t.Run(tt.name, func(t *testing.T) {
			d := checkpoint.NewMemoryDir("")
			tt.setup(t, d)

			_, err := checkpoint.NewAllocator(d, "run", -1).Scan(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, checkpoint.ErrInconsistentDirectory)

			var ie *checkpoint.InconsistentDirectoryError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, d.Root(), ie.Root)
			assert.NotEmpty(t, ie.Reason)
		})
	}

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := checkpoint.NewAllocator(checkpoint.NewMemoryDir(""), "run", -1).Scan(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAllocator_Obsolete(t *testing.T) {
	ctx := context.Background()
	latest := slot(5)
	all := []checkpoint.Slot{slot(1), forceSlot(2), slot(3), slot(4), slot(5), slot(6), forceSlot(7)}

	tests := []struct {
		name     string
		keepLast int
		want     []checkpoint.Slot
	}{
		{name: "retention disabled", keepLast: -1, want: []checkpoint.Slot{slot(6), forceSlot(7)}},
		{name: "keep none", keepLast: 0, want: []checkpoint.Slot{slot(1), slot(3), slot(4), slot(6), forceSlot(7)}},
		{name: "keep one", keepLast: 1, want: []checkpoint.Slot{slot(1), slot(3), slot(4), slot(6), forceSlot(7)}},
		{name: "keep two", keepLast: 2, want: []checkpoint.Slot{slot(1), slot(3), slot(6), forceSlot(7)}},
		{name: "keep many", keepLast: 10, want: []checkpoint.Slot{slot(6), forceSlot(7)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := checkpoint.NewMemoryDir("")
			seedDir(t, d, all, &latest)

			a := checkpoint.NewAllocator(d, "run", tt.keepLast)
			l, err := a.Scan(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Obsolete(l))
		})
	}
}

func TestAllocator_Obsolete_NoPointer(t *testing.T) {
	d := checkpoint.NewMemoryDir("")
	seedDir(t, d, []checkpoint.Slot{slot(0)}, nil)

	a := checkpoint.NewAllocator(d, "run", 3)
	l, err := a.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []checkpoint.Slot{slot(0)}, a.Obsolete(l))
	assert.Equal(t, slot(0), a.Next(l, false))
}

func TestAllocator_Cleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("crash after allocating seq 5", func(t *testing.T) {
		d := checkpoint.NewMemoryDir("")
		latest := slot(4)
		seedDir(t, d, []checkpoint.Slot{slot(4), slot(5)}, &latest)
		require.NoError(t, d.WriteFile("run_checkpoint_5/partial.bin", []byte("half")))

		a := checkpoint.NewAllocator(d, "run", -1)
		deleted, err := a.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, []checkpoint.Slot{slot(5)}, deleted)

		next, err := a.Allocate(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, slot(5), next)

		n, err := d.Entries(next.DirName())
		require.NoError(t, err)
		assert.Zero(t, n, "reallocated slot must be empty")
	})

	t.Run("verifies deletion", func(t *testing.T) {
		d := checkpoint.NewMemoryDir("")
		latest := slot(1)
		seedDir(t, d, []checkpoint.Slot{slot(1), slot(2)}, &latest)
		d.FailRemove = func(name string) bool { return name == "run_checkpoint_2" }

		_, err := checkpoint.NewAllocator(d, "run", -1).Cleanup(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, checkpoint.ErrDeleteIncomplete)

		var de *checkpoint.DeleteError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, filepath.Join(d.Root(), "run_checkpoint_2"), de.Path)
	})

	t.Run("force slots survive", func(t *testing.T) {
		d := checkpoint.NewMemoryDir("")
		latest := slot(3)
		seedDir(t, d, []checkpoint.Slot{forceSlot(0), slot(1), slot(2), slot(3)}, &latest)

		deleted, err := checkpoint.NewAllocator(d, "run", 0).Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, []checkpoint.Slot{slot(1), slot(2)}, deleted)

		l, err := checkpoint.NewAllocator(d, "run", 0).Scan(ctx)
		require.NoError(t, err)
		assert.Equal(t, []checkpoint.Slot{forceSlot(0), slot(3)}, l.Slots)
	})

	t.Run("listing is not rescanned", func(t *testing.T) {
		d := &listFailDir{MemoryDir: checkpoint.NewMemoryDir("")}
		latest := slot(2)
		seedDir(t, d, []checkpoint.Slot{slot(0), slot(1), slot(2), slot(3)}, &latest)

		a := checkpoint.NewAllocator(d, "run", 1)
		l, err := a.Scan(ctx)
		require.NoError(t, err)

		d.err = errors.New("listing unavailable")
		deleted, err := a.CleanupListing(ctx, l)
		require.NoError(t, err)
		assert.Equal(t, []checkpoint.Slot{slot(0), slot(1), slot(3)}, deleted)

		d.err = nil
		assert.Equal(t, []checkpoint.Slot{slot(2)}, listSlots(t, d, "run").Slots)
	})
}

func TestAllocator_Allocate(t *testing.T) {
	ctx := context.Background()

	t.Run("first slot", func(t *testing.T) {
		d := checkpoint.NewMemoryDir("")
		s, err := checkpoint.NewAllocator(d, "run", -1).Allocate(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, forceSlot(0), s)
	})

	t.Run("follows pointer", func(t *testing.T) {
		d := checkpoint.NewMemoryDir("")
		latest := forceSlot(6)
		seedDir(t, d, []checkpoint.Slot{latest}, &latest)

		a := checkpoint.NewAllocator(d, "run", -1)
		s, err := a.Allocate(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, slot(7), s)
		assert.Equal(t, filepath.Join(d.Root(), "run_checkpoint_7"), a.Path(s))
	})

	t.Run("collision with uncleaned slot", func(t *testing.T) {
		d := checkpoint.NewMemoryDir("")
		latest := slot(0)
		seedDir(t, d, []checkpoint.Slot{slot(0), forceSlot(1)}, &latest)

		_, err := checkpoint.NewAllocator(d, "run", -1).Allocate(ctx, false)
		require.Error(t, err)
		assert.ErrorIs(t, err, checkpoint.ErrAllocationRace)
	})
}

func TestAllocator_OSDir(t *testing.T) {
	ctx := context.Background()
	d, err := checkpoint.NewOSDir(t.TempDir())
	require.NoError(t, err)

	latest := slot(1)
	seedDir(t, d, []checkpoint.Slot{slot(0), slot(1), slot(2)}, &latest)

	a := checkpoint.NewAllocator(d, "run", 1)
	deleted, err := a.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, []checkpoint.Slot{slot(0), slot(2)}, deleted)

	s, err := a.Allocate(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, slot(2), s)
}
