package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/collective"
)

func newReadyCmd(g *globals) *cobra.Command {
	var (
		backend  string
		dir      string
		redisURL string
		session  string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "Check that every participant of the job can reach the others",
		Long: `Run on every participant of a job. Rank and world size come from RANK
and WORLD_SIZE; the session from CYCLING_SESSION or --session. The
command succeeds once all participants have answered, and fails if the
group cannot be formed before --timeout.

Backend settings default to the [collective] section of the configuration
file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := collective.IdentityFromEnv()
			if err != nil {
				return err
			}
			bc := collective.BackendFromConfig(g.cfg.Section("collective"), id)
			if backend != "" {
				bc.Backend = backend
			}
			if dir != "" {
				bc.Dir = dir
			}
			if redisURL != "" {
				bc.RedisURL = redisURL
			}
			if session != "" {
				bc.Session = session
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			group, err := collective.Open(ctx, bc, collective.WithLogger(g.logger))
			if err != nil {
				return err
			}
			defer group.Close()

			start := time.Now()
			if err := collective.CheckReady(ctx, group); err != nil {
				return err
			}
			g.logger.Debug("collective ready",
				"backend", bc.Backend,
				"rank", group.Rank(),
				"size", group.Size(),
				"elapsed", time.Since(start))
			fmt.Fprintf(cmd.OutOrStdout(), "ready: rank %d of %d (%s)\n", group.Rank(), group.Size(), bc.Backend)
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Collective backend: standalone, file or redis")
	cmd.Flags().StringVar(&dir, "dir", "", "Shared directory for the file backend")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL for the redis backend")
	cmd.Flags().StringVar(&session, "session", "", "Session identifier shared by all participants")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up after this long")
	return cmd
}
