package collective

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const fileMemberPrefix = "rank-"

// FileGroup is a collective over a shared directory. Each round is a
// subdirectory; a participant atomically drops one marker file carrying its
// contribution, then polls until all Size markers are present.
//
// The session directory must be unique per job launch. Round counters start
// at zero, so markers left behind by an earlier launch under the same
// session would be mistaken for arrivals.
type FileGroup struct {
	dir     string
	rank    int
	size    int
	round   int
	limiter *rate.Limiter
	opts    backendOptions
}

// Compile-time interface check.
var _ Group = (*FileGroup)(nil)

// NewFileGroup joins the collective rooted at root/session.
func NewFileGroup(root, session string, rank, size int, opts ...BackendOption) (*FileGroup, error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("invalid rank %d for group of size %d", rank, size)
	}
	if session == "" {
		session = "default"
	}
	o := defaultBackendOptions()
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Join(root, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create collective directory: %w", err)
	}

	return &FileGroup{
		dir:     dir,
		rank:    rank,
		size:    size,
		limiter: rate.NewLimiter(rate.Every(o.pollInterval), 1),
		opts:    o,
	}, nil
}

// Rank implements Group.
func (g *FileGroup) Rank() int { return g.rank }

// Size implements Group.
func (g *FileGroup) Size() int { return g.size }

// Dir returns the session directory.
func (g *FileGroup) Dir() string { return g.dir }

// Rendezvous implements Group.
func (g *FileGroup) Rendezvous(ctx context.Context) error {
	_, err := g.do(ctx, opRendezvous, false)
	return err
}

// ReduceVote implements Group.
func (g *FileGroup) ReduceVote(ctx context.Context, vote bool) (Tally, error) {
	return g.do(ctx, opVote, vote)
}

// Close implements Group. Round directories are left for the next round's
// rank 0 to reclaim; the session directory itself is owned by the caller.
func (g *FileGroup) Close() error {
	return nil
}

func (g *FileGroup) roundDir(round int) string {
	return filepath.Join(g.dir, fmt.Sprintf("round-%08d", round))
}

func (g *FileGroup) do(ctx context.Context, kind opKind, vote bool) (Tally, error) {
	round := g.round
	g.round++
	wrap := func(err error) error {
		return &RoundError{Backend: "file", Round: round, Rank: g.rank, Err: err}
	}

	dir := g.roundDir(round)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Tally{}, wrap(fmt.Errorf("create round directory: %w", err))
	}
	if err := g.writeMarker(dir, encodeOp(kind, vote)); err != nil {
		return Tally{}, wrap(err)
	}

	payloads, err := g.await(ctx, dir)
	if err != nil {
		return Tally{}, wrap(err)
	}
	tally, err := tallyOps(payloads)
	if err != nil {
		return Tally{}, wrap(err)
	}

	// Every participant has written round r, so all have finished reading
	// round r-1.
	if g.rank == 0 && round > 0 {
		if err := os.RemoveAll(g.roundDir(round - 1)); err != nil && g.opts.logger != nil {
			g.opts.logger.Warn("failed to remove collective round", "round", round-1, "error", err)
		}
	}
	return tally, nil
}

// writeMarker publishes this rank's contribution with a rename so readers
// never observe a partially written marker.
func (g *FileGroup) writeMarker(dir, payload string) error {
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, []byte(payload), 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	final := filepath.Join(dir, fmt.Sprintf("%s%05d", fileMemberPrefix, g.rank))
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish marker: %w", err)
	}
	return nil
}

func (g *FileGroup) await(ctx context.Context, dir string) ([]string, error) {
	for {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read round directory: %w", err)
		}
		var names []string
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), fileMemberPrefix) {
				names = append(names, e.Name())
			}
		}
		if len(names) >= g.size {
			payloads := make([]string, 0, len(names))
			for _, name := range names {
				data, err := os.ReadFile(filepath.Join(dir, name))
				if err != nil {
					return nil, fmt.Errorf("read marker %s: %w", name, err)
				}
				payloads = append(payloads, string(data))
			}
			return payloads, nil
		}
		if err := pace(ctx, g.limiter); err != nil {
			return nil, err
		}
	}
}
