package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"

	"github.com/StrongResearch/cycling-utils/pkg/cycling"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/checkpoint"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/collective"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/observability"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/sampler"
)

var errSimulatedCrash = errors.New("simulated crash")

// simulation is one in-process training job: workers participants that
// share a checkpoint directory and an in-memory collective group.
type simulation struct {
	workers    int
	epochs     int
	size       int
	batch      int
	every      int
	keepLast   int
	seed       int64
	strategy   checkpoint.Strategy
	name       string
	crashAfter int

	dir     checkpoint.Dir
	ledger  checkpoint.Ledger
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	bar     *progressbar.ProgressBar
}

// launchResult is what rank 0 observed during one launch.
type launchResult struct {
	resumed  bool
	resumeAt sampler.State
	final    sampler.State
	steps    int
}

func newSimulateCmd(g *globals) *cobra.Command {
	sim := &simulation{}
	var (
		root        string
		strategy    string
		ledgerPath  string
		showMetrics bool
		noProgress  bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an interrupted multi-participant training job in-process",
		Long: `Simulate a distributed training job. --workers participants share a
checkpoint root and step through --epochs epochs of a sharded sampler,
checkpointing every --every steps. With --crash-after the first launch is
killed after that many steps and a second launch resumes from the
published checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			sec := g.cfg.Section("checkpoint")

			s, err := checkpoint.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			sim.strategy = s
			if !cmd.Flags().Changed("keep-last") {
				sim.keepLast = sec.Int("keep_last", sim.keepLast)
			}
			if sim.name == "" {
				sim.name = sec.String("name", checkpoint.DefaultName)
			}
			if sim.workers < 1 || sim.batch < 1 || sim.epochs < 0 {
				return fmt.Errorf("--workers and --batch must be >= 1, --epochs >= 0")
			}

			if root == "" {
				root, err = os.MkdirTemp("", "cycling-sim-*")
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "checkpoint root: %s\n", root)
			}
			sim.dir, err = checkpoint.NewOSDir(root)
			if err != nil {
				return err
			}

			if ledgerPath != "" {
				l, err := checkpoint.NewSQLiteLedger(ledgerPath)
				if err != nil {
					return err
				}
				defer l.Close()
				sim.ledger = l
			}

			var reader *sdkmetric.ManualReader
			if showMetrics {
				reader = sdkmetric.NewManualReader()
				provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
				defer func() { _ = provider.Shutdown(context.Background()) }()
				otel.SetMeterProvider(provider)
			}
			sim.metrics = observability.NewMetricsRecorder()
			sim.logger = g.logger

			if !noProgress {
				sim.bar = progressbar.NewOptions(sim.totalSteps(),
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetDescription("training"),
					progressbar.OptionShowCount(),
				)
			}

			results, err := sim.run(ctx)
			if sim.bar != nil {
				_ = sim.bar.Finish()
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if err != nil {
				return err
			}

			for i, r := range results {
				switch {
				case i == 0 && len(results) > 1:
					fmt.Fprintf(out, "launch %d: crashed after %d steps at epoch %d progress %d\n",
						i+1, r.steps, r.final.Epoch, r.final.Progress)
				case r.resumed:
					fmt.Fprintf(out, "launch %d: resumed at epoch %d progress %d, ran %d steps\n",
						i+1, r.resumeAt.Epoch, r.resumeAt.Progress, r.steps)
				default:
					fmt.Fprintf(out, "launch %d: ran %d steps\n", i+1, r.steps)
				}
			}

			if err := printSlots(ctx, out, sim.dir, sim.name); err != nil {
				return err
			}
			if reader != nil {
				return printMetrics(ctx, out, reader)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&sim.workers, "workers", 4, "Number of participants")
	cmd.Flags().IntVar(&sim.epochs, "epochs", 2, "Number of epochs")
	cmd.Flags().IntVar(&sim.size, "size", 200, "Dataset size")
	cmd.Flags().IntVar(&sim.batch, "batch", 8, "Samples consumed per step")
	cmd.Flags().IntVar(&sim.every, "every", 5, "Checkpoint every N steps (0 disables)")
	cmd.Flags().IntVar(&sim.keepLast, "keep-last", 2, "Non-force slots to retain (-1 keeps all)")
	cmd.Flags().Int64Var(&sim.seed, "seed", 0, "Sampler seed")
	cmd.Flags().IntVar(&sim.crashAfter, "crash-after", 0, "Interrupt the first launch after N steps")
	cmd.Flags().StringVar(&sim.name, "name", "", "Checkpoint name")
	cmd.Flags().StringVar(&root, "root", "", "Checkpoint root (default: a new temporary directory)")
	cmd.Flags().StringVar(&strategy, "strategy", string(checkpoint.StrategyAny), "Force vote strategy (ANY, ALL, LOCAL)")
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "Record publish events in this SQLite database")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print collected metrics at the end")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	return cmd
}

// stepsPerEpoch is the number of Step calls each participant makes per epoch.
func (s *simulation) stepsPerEpoch() int {
	local := sampler.ReplicaSize(s.size, s.workers, false)
	return (local + s.batch - 1) / s.batch
}

func (s *simulation) totalSteps() int {
	return s.epochs * s.stepsPerEpoch()
}

// run performs the first launch and, if it crashed, a resuming second launch.
func (s *simulation) run(ctx context.Context) ([]launchResult, error) {
	first, err := s.launch(ctx, s.crashAfter)
	if err == nil {
		return []launchResult{first}, nil
	}
	if !errors.Is(err, errSimulatedCrash) {
		return nil, err
	}
	second, err := s.launch(ctx, 0)
	if err != nil {
		return nil, err
	}
	return []launchResult{first, second}, nil
}

// launch starts every participant and waits for them.
func (s *simulation) launch(ctx context.Context, crashAfter int) (launchResult, error) {
	lg := collective.NewLocalGroup(s.workers)
	defer lg.Close()

	var result launchResult
	eg, ctx := errgroup.WithContext(ctx)
	for rank, m := range lg.Members() {
		eg.Go(func() error {
			r, err := s.participant(ctx, m, crashAfter)
			if rank == 0 {
				result = r
			}
			return err
		})
	}
	err := eg.Wait()
	return result, err
}

func (s *simulation) participant(ctx context.Context, g collective.Group, crashAfter int) (launchResult, error) {
	var res launchResult
	rank := g.Rank()

	smp, err := sampler.New(s.size, sampler.WithReplicas(s.workers, rank), sampler.WithSeed(s.seed))
	if err != nil {
		return res, err
	}

	ckptOpts := []checkpoint.Option{
		checkpoint.WithName(s.name),
		checkpoint.WithKeepLast(s.keepLast),
		checkpoint.WithStrategy(s.strategy),
	}
	if s.ledger != nil {
		ckptOpts = append(ckptOpts, checkpoint.WithLedger(s.ledger))
	}
	c, err := cycling.New(ctx, s.dir, g, smp,
		cycling.WithSaveInterval(s.every),
		cycling.WithLogger(s.logger),
		cycling.WithMetrics(s.metrics),
		cycling.WithCheckpointOptions(ckptOpts...),
	)
	if err != nil {
		return res, err
	}

	res.resumed, err = c.Resume(ctx)
	if err != nil {
		return res, err
	}
	res.resumeAt = smp.State()
	if rank == 0 && s.bar != nil {
		// Steps after the last published checkpoint are repeated.
		_ = s.bar.Set(smp.Epoch()*s.stepsPerEpoch() + (smp.Progress()+s.batch-1)/s.batch)
	}

	write := func(_ context.Context, w *cycling.SlotWriter) error {
		return w.SaveJSON(fmt.Sprintf("rank-%d.json", w.Rank), map[string]any{
			"rank":      w.Rank,
			"iteration": c.Iteration(),
		})
	}

	for epoch := smp.Epoch(); epoch < s.epochs; epoch++ {
		scope, err := smp.BeginEpoch(epoch)
		if err != nil {
			return res, err
		}
		for smp.Progress() < smp.Len() {
			n := min(s.batch, smp.Len()-smp.Progress())
			if err := c.Step(ctx, n, write); err != nil {
				scope.End()
				return res, err
			}
			res.steps++
			if rank == 0 && s.bar != nil {
				_ = s.bar.Add(1)
			}
			if crashAfter > 0 && res.steps == crashAfter {
				res.final = smp.State()
				scope.End()
				return res, errSimulatedCrash
			}
		}
		res.final = smp.State()
		scope.End()
	}
	return res, nil
}

func printSlots(ctx context.Context, out io.Writer, dir checkpoint.Dir, name string) error {
	l, err := checkpoint.NewAllocator(dir, name, -1).Scan(ctx)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Slot", "Force", "Latest"})
	for _, s := range l.Slots {
		t.AppendRow(table.Row{s.DirName(), s.Force, l.HasPointer() && s == l.Latest})
	}
	t.Render()
	if l.HasPointer() {
		fmt.Fprintf(out, "latest: %s\n", filepath.Join(dir.Root(), l.Latest.DirName()))
	}
	return nil
}

// printMetrics prints every integer counter collected by reader.
func printMetrics(ctx context.Context, out io.Writer, reader *sdkmetric.ManualReader) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Metric", "Total"})
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			t.AppendRow(table.Row{m.Name, total})
		}
	}
	t.Render()
	return nil
}
