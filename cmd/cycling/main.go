// Command cycling inspects checkpoint directories, previews sampler plans,
// checks collective readiness, and simulates interrupted multi-participant
// training runs.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/config"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	verbose    bool
	logFile    string

	cfg     config.Config
	logger  *slog.Logger
	closers []io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "cycling",
		Short: "Resumable sampling and atomic checkpoint tooling",
		Long: `cycling works with checkpoint directories published by the cycling
library: list and clean slots, resolve the latest checkpoint, read the
publish ledger, preview sampler orders, and simulate interrupted runs.`,
		Version:      fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.setup(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return g.close()
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to a YAML, JSON or TOML configuration file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&g.logFile, "log-file", "", "Also write JSON logs to this file")

	root.AddCommand(
		newCheckpointCmd(g),
		newSamplerCmd(g),
		newSimulateCmd(g),
		newReadyCmd(g),
	)
	return root
}

// setup loads the configuration file and builds the logger.
func (g *globals) setup(stderr io.Writer) error {
	g.cfg = config.New(nil)
	if g.configPath != "" {
		cfg, err := config.FromFile(g.configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		g.cfg = cfg
	}

	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	handlers := []slog.Handler{slog.NewTextHandler(stderr, opts)}
	if g.logFile != "" {
		f, err := os.OpenFile(g.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		g.closers = append(g.closers, f)
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}
	g.logger = slog.New(slogmulti.Fanout(handlers...))
	return nil
}

func (g *globals) close() error {
	var first error
	for _, c := range g.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	g.closers = nil
	return first
}
