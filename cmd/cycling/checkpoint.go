package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/checkpoint"
)

// checkpointFlags are shared by the checkpoint subcommands. Empty values
// fall back to the [checkpoint] section of the configuration file.
type checkpointFlags struct {
	root string
	name string
}

func (f *checkpointFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.root, "root", "", "Checkpoint root directory")
	cmd.Flags().StringVar(&f.name, "name", "", "Checkpoint name (default \"checkpoint\")")
}

func (f *checkpointFlags) resolve(g *globals) (checkpoint.Dir, string, error) {
	sec := g.cfg.Section("checkpoint")
	root := f.root
	if root == "" {
		root = sec.String("root", "")
	}
	if root == "" {
		return nil, "", fmt.Errorf("--root is required")
	}
	name := f.name
	if name == "" {
		name = sec.String("name", checkpoint.DefaultName)
	}
	if _, err := os.Stat(root); err != nil {
		return nil, "", fmt.Errorf("checkpoint root: %w", err)
	}
	dir, err := checkpoint.NewOSDir(root)
	if err != nil {
		return nil, "", err
	}
	return dir, name, nil
}

func newCheckpointCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and maintain checkpoint directories",
	}
	cmd.AddCommand(
		newCheckpointListCmd(g),
		newCheckpointLatestCmd(g),
		newCheckpointCleanCmd(g),
		newCheckpointHistoryCmd(g),
	)
	return cmd
}

var slotHeader = table.Row{"Seq", "Slot", "Force", "Size", "Modified", "Latest"}

func newCheckpointListCmd(g *globals) *cobra.Command {
	var f checkpointFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the slots of a checkpoint name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, name, err := f.resolve(g)
			if err != nil {
				return err
			}
			l, err := checkpoint.NewAllocator(dir, name, -1).Scan(cmd.Context())
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(slotHeader)
			for _, s := range l.Slots {
				size, modified := slotUsage(filepath.Join(dir.Root(), s.DirName()))
				latest := ""
				if l.HasPointer() && s == l.Latest {
					latest = "*"
				}
				t.AppendRow(table.Row{
					s.Seq,
					s.DirName(),
					s.Force,
					humanize.Bytes(size),
					humanize.Time(modified),
					latest,
				})
			}
			t.Render()
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// slotUsage sums file sizes under path and returns the newest modification
// time. Unreadable entries are skipped.
func slotUsage(path string) (uint64, time.Time) {
	var (
		size   uint64
		newest time.Time
	)
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			size += uint64(info.Size())
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return size, newest
}

func newCheckpointLatestCmd(g *globals) *cobra.Command {
	var f checkpointFlags
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Print the path of the published checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, name, err := f.resolve(g)
			if err != nil {
				return err
			}
			_, path, ok, err := checkpoint.Latest(cmd.Context(), dir, name)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w for %q in %s", checkpoint.ErrNoCheckpoint, name, dir.Root())
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newCheckpointCleanCmd(g *globals) *cobra.Command {
	var (
		f        checkpointFlags
		keepLast int
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete unpublished slots and slots outside retention",
		Long: `Delete slots newer than the published pointer (left by an interrupted
cycle) and, when --keep-last is >= 0, non-force slots that fell out of
retention. Run it only while no training job writes to the directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, name, err := f.resolve(g)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("keep-last") {
				keepLast = g.cfg.Section("checkpoint").Int("keep_last", checkpoint.DefaultKeepLast)
			}

			alloc := checkpoint.NewAllocator(dir, name, keepLast)
			var deleted []checkpoint.Slot
			if dryRun {
				l, err := alloc.Scan(cmd.Context())
				if err != nil {
					return err
				}
				deleted = alloc.Obsolete(l)
			} else {
				deleted, err = alloc.Cleanup(cmd.Context())
			}
			for _, s := range deleted {
				g.logger.Info("slot removed", "slot", s.DirName(), "dry_run", dryRun)
				fmt.Fprintln(cmd.OutOrStdout(), s.DirName())
			}
			return err
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&keepLast, "keep-last", checkpoint.DefaultKeepLast, "Non-force slots to retain (-1 keeps all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the slots that would be deleted")
	return cmd
}

var historyHeader = table.Row{"ID", "Event", "Slot", "Run", "Rank", "When"}

func newCheckpointHistoryCmd(g *globals) *cobra.Command {
	var (
		dbPath string
		name   string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the publish ledger of a checkpoint name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sec := g.cfg.Section("checkpoint")
			if dbPath == "" {
				dbPath = sec.String("ledger", "")
			}
			if dbPath == "" {
				return fmt.Errorf("--db is required")
			}
			if name == "" {
				name = sec.String("name", checkpoint.DefaultName)
			}

			ledger, err := checkpoint.NewSQLiteLedger(dbPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			events, err := ledger.List(name)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(historyHeader)
			for _, ev := range events {
				t.AppendRow(table.Row{
					ev.ID,
					ev.Kind,
					ev.Slot().DirName(),
					ev.RunID,
					ev.Rank,
					humanize.Time(ev.Timestamp),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Path to the SQLite ledger")
	cmd.Flags().StringVar(&name, "name", "", "Checkpoint name (default \"checkpoint\")")
	return cmd
}
