package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/sampler"
)

func newSamplerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sampler",
		Short: "Preview sampler orders",
	}
	cmd.AddCommand(newSamplerPlanCmd(g))
	return cmd
}

func newSamplerPlanCmd(g *globals) *cobra.Command {
	var (
		size      int
		replicas  int
		rank      int
		seed      int64
		epoch     int
		shuffle   bool
		dropLast  bool
		batchSize int
		groups    int
		progress  int
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the indices (or batches) one replica receives in an epoch",
		Long: `Print the order a replica receives for one epoch. With --batch-size the
grouped sampler is used and each dataset index i belongs to group
i mod --groups.

Sampler defaults come from the [sampler] section of the configuration file;
flags override them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := sampler.OptionsFromConfig(g.cfg.Section("sampler"))
			opts = append(opts, sampler.WithReplicas(replicas, rank))
			if cmd.Flags().Changed("seed") {
				opts = append(opts, sampler.WithSeed(seed))
			}
			if cmd.Flags().Changed("shuffle") {
				opts = append(opts, sampler.WithShuffle(shuffle))
			}
			if cmd.Flags().Changed("drop-last") {
				opts = append(opts, sampler.WithDropLast(dropLast))
			}
			st := sampler.State{Progress: progress, Epoch: epoch}
			out := cmd.OutOrStdout()

			if batchSize > 0 {
				if groups < 1 {
					return fmt.Errorf("--groups must be >= 1")
				}
				keys := make([]int, size)
				for i := range keys {
					keys[i] = i % groups
				}
				gs, err := sampler.NewGrouped(keys, batchSize, opts...)
				if err != nil {
					return err
				}
				if err := gs.Load(st); err != nil {
					return err
				}
				scope, err := gs.BeginEpoch(epoch)
				if err != nil {
					return err
				}
				defer scope.End()
				for b := range gs.Batches() {
					fmt.Fprintf(out, "group=%d %s\n", keys[b[0]], joinInts(b))
				}
				return nil
			}

			s, err := sampler.New(size, opts...)
			if err != nil {
				return err
			}
			if err := s.Load(st); err != nil {
				return err
			}
			scope, err := s.BeginEpoch(epoch)
			if err != nil {
				return err
			}
			defer scope.End()
			fmt.Fprintln(out, joinInts(s.Remaining()))
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "size", 0, "Dataset size")
	cmd.Flags().IntVar(&replicas, "replicas", 1, "Number of replicas")
	cmd.Flags().IntVar(&rank, "rank", 0, "Replica rank")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Base seed")
	cmd.Flags().IntVar(&epoch, "epoch", 0, "Epoch")
	cmd.Flags().BoolVar(&shuffle, "shuffle", true, "Shuffle each epoch")
	cmd.Flags().BoolVar(&dropLast, "drop-last", false, "Truncate instead of padding")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Plan grouped batches of this size")
	cmd.Flags().IntVar(&groups, "groups", 1, "Number of groups for --batch-size")
	cmd.Flags().IntVar(&progress, "progress", 0, "Skip this many units, as if resumed")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, " ")
}
