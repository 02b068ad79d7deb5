package cycling

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/checkpoint"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/collective"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/observability"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/sampler"
)

const (
	// StateFile is the name of the cycle state file inside each slot.
	StateFile = "sampler.json"

	// StateVersion is the current StateFile format version.
	StateVersion = 1
)

// CycleState is the content of StateFile. The sampler fields are inlined
// so the file reads as {"progress": .., "epoch": .., ...}.
type CycleState struct {
	Version int `json:"version"`
	sampler.State
	Iteration int64     `json:"iteration"`
	RunID     string    `json:"run_id,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// SlotWriter gives a WriteFunc access to the slot allocated for the
// current cycle. Names are relative to the slot directory.
type SlotWriter struct {
	// Slot is the allocated slot.
	Slot checkpoint.Slot
	// Path is the absolute slot directory.
	Path string
	// Rank is the calling participant's rank.
	Rank int

	dir checkpoint.Dir
}

// WriteFile atomically writes data to name inside the slot.
func (w *SlotWriter) WriteFile(name string, data []byte) error {
	return w.dir.WriteFile(filepath.Join(w.Slot.DirName(), name), data)
}

// SaveJSON atomically writes v as JSON to name inside the slot.
func (w *SlotWriter) SaveJSON(name string, v any) error {
	return checkpoint.SaveJSON(w.dir, filepath.Join(w.Slot.DirName(), name), v)
}

// WriteFunc stores caller content (model weights, optimizer state) in a
// freshly allocated slot. Every participant calls it; each must write
// only the files it owns.
type WriteFunc func(ctx context.Context, w *SlotWriter) error

// Cycler drives a sampler and a checkpoint Coordinator for one participant.
// It is not safe for concurrent use.
type Cycler struct {
	coord     *checkpoint.Coordinator
	sampler   sampler.Resumable
	unit      string
	opts      options
	logger    *slog.Logger
	iteration int64
}

// New creates a Cycler. The Coordinator is built from dir, group and the
// forwarded checkpoint options; construction runs its consistency check,
// so every participant must call New together.
func New(ctx context.Context, dir checkpoint.Dir, group collective.Group, s sampler.Resumable, opts ...Option) (*Cycler, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var unit string
	switch s.(type) {
	case interface{ Advance(int) error }:
		unit = "samples"
	case interface{ Advance() error }:
		unit = "batches"
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedSampler, s)
	}

	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	ckptOpts := append([]checkpoint.Option{
		checkpoint.WithLogger(o.logger),
		checkpoint.WithMetrics(o.metrics),
		checkpoint.WithSpanManager(o.spans),
		checkpoint.WithRunID(o.runID),
	}, o.ckpt...)

	coord, err := checkpoint.NewCoordinator(ctx, dir, group, ckptOpts...)
	if err != nil {
		return nil, err
	}

	return &Cycler{
		coord:   coord,
		sampler: s,
		unit:    unit,
		opts:    o,
		logger:  observability.EnrichLogger(o.logger, coord.Name(), coord.Group().Rank()),
	}, nil
}

// Resume restores sampler state and the step counter from the published
// slot. It reports false when nothing has been published yet.
//
// Call Resume on every participant before the first Step; the restored
// epoch is then available from the sampler's Epoch method.
func (c *Cycler) Resume(ctx context.Context) (bool, error) {
	slot, path, ok, err := c.coord.Latest(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	var st CycleState
	if err := checkpoint.LoadJSON(c.coord.Dir(), filepath.Join(slot.DirName(), StateFile), &st); err != nil {
		return false, &ResumeError{Path: path, Err: fmt.Errorf("%w: %v", ErrDeserializeState, err)}
	}
	if st.Version != StateVersion {
		return false, &ResumeError{Path: path,
			Err: fmt.Errorf("%w: got %d, expected %d", ErrStateVersionMismatch, st.Version, StateVersion)}
	}
	if err := c.sampler.Load(st.State); err != nil {
		return false, &ResumeError{Path: path, Err: err}
	}
	c.iteration = st.Iteration

	observability.LogResume(c.logger, path, st.Epoch, st.Progress)
	return true, nil
}

// Step records that n units were consumed and, every save interval steps,
// runs a checkpoint cycle with write.
func (c *Cycler) Step(ctx context.Context, n int, write WriteFunc) error {
	if err := c.advance(n); err != nil {
		return err
	}
	c.iteration++
	c.opts.metrics.RecordSamplerAdvance(ctx, c.unit, n)

	if c.opts.saveInterval > 0 && c.iteration%int64(c.opts.saveInterval) == 0 {
		if _, err := c.Checkpoint(ctx, false, write); err != nil {
			return err
		}
	}
	return nil
}

// advance moves the sampler by n units. Batch samplers advance one batch
// at a time, so capacity is checked up front to keep a failed call atomic.
func (c *Cycler) advance(n int) error {
	switch s := c.sampler.(type) {
	case interface{ Advance(int) error }:
		return s.Advance(n)
	case interface{ Advance() error }:
		if n < 0 {
			return fmt.Errorf("%w: advance by %d", sampler.ErrInvalidArgument, n)
		}
		if !s.InEpoch() {
			return s.Advance()
		}
		if n > s.Len()-s.Progress() {
			return &sampler.ProgressOverrunError{Progress: s.Progress(), Advance: n, Capacity: s.Len(), Unit: c.unit, Epoch: s.Epoch()}
		}
		for range n {
			if err := s.Advance(); err != nil {
				return err
			}
		}
		return nil
	}
	return ErrUnsupportedSampler
}

// Checkpoint runs one full cycle: Prepare with the force vote, the state
// file (designated writer only), write on every participant, a barrier,
// then Publish. It returns the published slot.
//
// A failure on one participant leaves the others blocked in the next
// collective call until their context ends.
func (c *Cycler) Checkpoint(ctx context.Context, force bool, write WriteFunc) (checkpoint.Slot, error) {
	p, err := c.coord.Prepare(ctx, force)
	if err != nil {
		return checkpoint.Slot{}, err
	}

	w := &SlotWriter{Slot: p.Slot, Path: p.Path, Rank: c.coord.Group().Rank(), dir: c.coord.Dir()}
	if c.coord.Designated() {
		st := CycleState{
			Version:   StateVersion,
			State:     c.sampler.State(),
			Iteration: c.iteration,
			RunID:     c.opts.runID,
			SavedAt:   time.Now().UTC(),
		}
		if err := w.SaveJSON(StateFile, st); err != nil {
			return checkpoint.Slot{}, fmt.Errorf("save cycle state: %w", err)
		}
	}
	if write != nil {
		if err := write(ctx, w); err != nil {
			return checkpoint.Slot{}, fmt.Errorf("write slot %s: %w", p.Slot, err)
		}
	}

	if err := c.coord.Barrier(ctx); err != nil {
		return checkpoint.Slot{}, err
	}
	if err := c.coord.Publish(ctx, p); err != nil {
		return checkpoint.Slot{}, err
	}
	return p.Slot, nil
}

// Iteration returns the number of steps taken, including restored ones.
func (c *Cycler) Iteration() int64 {
	return c.iteration
}

// RunID returns the run identifier recorded with each checkpoint.
func (c *Cycler) RunID() string {
	return c.opts.runID
}

// Coordinator returns the underlying checkpoint Coordinator.
func (c *Cycler) Coordinator() *checkpoint.Coordinator {
	return c.coord
}
