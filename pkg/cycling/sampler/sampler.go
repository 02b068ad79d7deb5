// Package sampler provides resumable, deterministic iteration orders for
// sharded training data.
//
// A sampler owns a progress cursor within one epoch. The permutation for an
// epoch is a pure function of (seed, epoch), so persisting State{Progress,
// Epoch} is enough to resume at the exact same position after a restart:
//
//	s, _ := sampler.New(len(dataset), sampler.WithReplicas(world, rank), sampler.WithSeed(42))
//	if restored {
//	    _ = s.Load(state)
//	}
//	for epoch := s.Epoch(); epoch < epochs; epoch++ {
//	    scope, err := s.BeginEpoch(epoch)
//	    if err != nil {
//	        return err
//	    }
//	    for idx := range s.Indices() {
//	        train(idx)
//	        if err := s.Advance(1); err != nil {
//	            scope.End()
//	            return err
//	        }
//	    }
//	    scope.End()
//	}
//
// Advance must be called after a unit is actually consumed; iteration alone
// never moves the cursor. Samplers are not safe for concurrent use.
package sampler

import (
	"fmt"
	"iter"
	"slices"
)

// Resumable is the state surface common to Sampler and GroupedSampler.
type Resumable interface {
	// State returns the current {progress, epoch} snapshot.
	State() State
	// Load restores a snapshot after validating it against this sampler's capacity.
	Load(State) error
	// BeginEpoch enters epoch and returns the scope that must be ended.
	BeginEpoch(epoch int) (*EpochScope, error)
	// EndEpoch resets progress and returns to FRESH.
	EndEpoch()
	// Len is the per-epoch capacity in progress units.
	Len() int
	Progress() int
	Epoch() int
	InEpoch() bool
}

// Compile-time interface checks.
var (
	_ Resumable = (*Sampler)(nil)
	_ Resumable = (*GroupedSampler[int])(nil)
)

// Sampler yields one replica's share of a deterministic permutation and
// tracks progress in samples.
type Sampler struct {
	size    int
	opts    options
	cur     cursor
	indices []int
}

// New creates a sampler over a dataset of size items.
func New(size int, opts ...Option) (*Sampler, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: dataset size must be >= 0, got %d", ErrInvalidArgument, size)
	}
	s := &Sampler{
		size: size,
		opts: o,
		cur:  cursor{unit: "samples"},
	}
	s.reshard()
	return s, nil
}

// reshard recomputes this replica's index slice for the current epoch.
func (s *Sampler) reshard() {
	perm := Permutation(s.size, s.opts.seed, s.cur.epoch, s.opts.shuffle)
	s.indices = Shard(perm, s.opts.replicas, s.opts.rank, s.opts.dropLast)
}

// BeginEpoch enters epoch and recomputes the permutation slice.
// It fails with ErrSequencing if the previous epoch was not ended.
func (s *Sampler) BeginEpoch(epoch int) (*EpochScope, error) {
	if err := s.SetEpoch(epoch); err != nil {
		return nil, err
	}
	return s.cur.scope(), nil
}

// SetEpoch is BeginEpoch for callers that pair it with EndEpoch themselves.
func (s *Sampler) SetEpoch(epoch int) error {
	if err := s.cur.begin("set_epoch", epoch); err != nil {
		return err
	}
	s.reshard()
	return nil
}

// EndEpoch resets progress to zero and returns to FRESH.
func (s *Sampler) EndEpoch() {
	s.cur.reset()
}

// Advance records that n samples were consumed.
func (s *Sampler) Advance(n int) error {
	return s.cur.advance(n, len(s.indices))
}

// Indices yields the remaining indices of the current epoch, starting at
// the progress offset captured when iteration begins.
func (s *Sampler) Indices() iter.Seq[int] {
	return func(yield func(int) bool) {
		for _, idx := range s.indices[s.cur.progress:] {
			if !yield(idx) {
				return
			}
		}
	}
}

// Remaining returns a copy of the indices not yet consumed in this epoch.
func (s *Sampler) Remaining() []int {
	return slices.Clone(s.indices[s.cur.progress:])
}

// State implements Resumable.
func (s *Sampler) State() State {
	return s.cur.state()
}

// Load implements Resumable. The restored epoch's slice is recomputed so
// Indices resumes from the restored progress immediately.
func (s *Sampler) Load(st State) error {
	if err := s.cur.load(st, len(s.indices)); err != nil {
		return err
	}
	s.reshard()
	return nil
}

// Len returns the number of samples this replica receives per epoch.
func (s *Sampler) Len() int {
	return len(s.indices)
}

// Progress returns the number of samples consumed in the current epoch.
func (s *Sampler) Progress() int {
	return s.cur.progress
}

// Epoch returns the current (or restored) epoch.
func (s *Sampler) Epoch() int {
	return s.cur.epoch
}

// InEpoch reports whether the sampler is between BeginEpoch and EndEpoch.
func (s *Sampler) InEpoch() bool {
	return s.cur.inEpoch
}

// DatasetSize returns the size the sampler was created with.
func (s *Sampler) DatasetSize() int {
	return s.size
}
