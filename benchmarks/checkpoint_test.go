package benchmarks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/StrongResearch/cycling-utils/pkg/cycling"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/checkpoint"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/collective"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/sampler"
)

// cycle runs Prepare and Publish once.
func cycle(ctx context.Context, b *testing.B, coord *checkpoint.Coordinator) {
	p, err := coord.Prepare(ctx, false)
	if err != nil {
		b.Fatal(err)
	}
	if err := coord.Publish(ctx, p); err != nil {
		b.Fatal(err)
	}
}

func standaloneCoordinator(b *testing.B, dir checkpoint.Dir, opts ...checkpoint.Option) *checkpoint.Coordinator {
	b.Helper()
	opts = append([]checkpoint.Option{
		checkpoint.WithKeepLast(1),
		checkpoint.WithStrategy(checkpoint.StrategyStandalone),
	}, opts...)
	coord, err := checkpoint.NewCoordinator(context.Background(), dir, nil, opts...)
	if err != nil {
		b.Fatal(err)
	}
	return coord
}

// BenchmarkCycle_MemoryDir measures coordination overhead without I/O.
func BenchmarkCycle_MemoryDir(b *testing.B) {
	ctx := context.Background()
	coord := standaloneCoordinator(b, checkpoint.NewMemoryDir(""))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cycle(ctx, b, coord)
	}
}

// BenchmarkCycle_OSDir measures a full cycle on the local filesystem.
func BenchmarkCycle_OSDir(b *testing.B) {
	ctx := context.Background()
	dir, err := checkpoint.NewOSDir(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	coord := standaloneCoordinator(b, dir)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cycle(ctx, b, coord)
	}
}

// BenchmarkCycle_SQLiteLedger adds ledger writes to the OSDir cycle.
func BenchmarkCycle_SQLiteLedger(b *testing.B) {
	ctx := context.Background()
	root := b.TempDir()
	dir, err := checkpoint.NewOSDir(filepath.Join(root, "ckpt"))
	if err != nil {
		b.Fatal(err)
	}
	ledger, err := checkpoint.NewSQLiteLedger(filepath.Join(root, "ledger.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer ledger.Close()

	coord := standaloneCoordinator(b, dir, checkpoint.WithLedger(ledger))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cycle(ctx, b, coord)
	}
}

// BenchmarkCycle_LocalGroup_4 measures a cycle across 4 in-process participants.
func BenchmarkCycle_LocalGroup_4(b *testing.B) {
	const workers = 4
	ctx := context.Background()
	dir := checkpoint.NewMemoryDir("")
	lg := collective.NewLocalGroup(workers)
	defer lg.Close()

	coords := make([]*checkpoint.Coordinator, workers)
	var eg errgroup.Group
	for rank, m := range lg.Members() {
		eg.Go(func() error {
			c, err := checkpoint.NewCoordinator(ctx, dir, m, checkpoint.WithKeepLast(1))
			coords[rank] = c
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var eg errgroup.Group
		for _, c := range coords {
			eg.Go(func() error {
				p, err := c.Prepare(ctx, false)
				if err != nil {
					return err
				}
				return c.Publish(ctx, p)
			})
		}
		if err := eg.Wait(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSaveJSON measures writing sampler state into a slot.
func BenchmarkSaveJSON(b *testing.B) {
	dir, err := checkpoint.NewOSDir(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir.Root(), "slot"), 0o755); err != nil {
		b.Fatal(err)
	}
	st := cycling.CycleState{
		Version:   cycling.StateVersion,
		State:     sampler.State{Progress: 1024, Epoch: 7},
		Iteration: 9000,
		RunID:     "bench",
		SavedAt:   time.Now(),
	}
	name := filepath.Join("slot", cycling.StateFile)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := checkpoint.SaveJSON(dir, name, st); err != nil {
			b.Fatal(err)
		}
	}
}
