package sampler

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
)

// GroupedSampler packs one replica's share of each epoch into fixed-size
// batches whose members all share a group key, e.g. an aspect-ratio bucket
// when every batch must have a uniform shape. Progress is tracked in
// batches; Advance takes no argument.
type GroupedSampler[K comparable] struct {
	groups     []K
	batchSize  int
	opts       options
	cur        cursor
	numBatches int
	batches    [][]int
}

// NewGrouped creates a grouped batch sampler. groups[i] is the group key of
// dataset index i, so the dataset size is len(groups).
func NewGrouped[K comparable](groups []K, batchSize int, opts ...Option) (*GroupedSampler[K], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be >= 1, got %d", ErrInvalidArgument, batchSize)
	}
	local := ReplicaSize(len(groups), o.replicas, o.dropLast)
	g := &GroupedSampler[K]{
		groups:     groups,
		batchSize:  batchSize,
		opts:       o,
		cur:        cursor{unit: "batches"},
		numBatches: (local + batchSize - 1) / batchSize,
	}
	g.rebatch()
	return g, nil
}

// rebatch recomputes the batch plan for the current epoch.
func (g *GroupedSampler[K]) rebatch() {
	perm := Permutation(len(g.groups), g.opts.seed, g.cur.epoch, g.opts.shuffle)
	local := Shard(perm, g.opts.replicas, g.opts.rank, g.opts.dropLast)
	g.batches = PlanBatches(local, g.groups, g.batchSize)
}

// groupBucket is the pending, not yet sealed, batch of one group.
type groupBucket[K comparable] struct {
	key     K
	members []int
	// opened is the local position of the oldest pending member.
	opened int
}

// PlanBatches packs local into single-group batches of batchSize.
//
// Indices are bucketed by groups[idx] in encounter order and a bucket is
// sealed as soon as it is full. Leftover buckets are then padded, largest
// first (ties go to the bucket whose oldest pending member came first), by
// cycling through the members of the same group already seen this epoch,
// until ceil(len(local)/batchSize) batches exist.
func PlanBatches[K comparable](local []int, groups []K, batchSize int) [][]int {
	if batchSize < 1 || len(local) == 0 {
		return [][]int{}
	}
	want := (len(local) + batchSize - 1) / batchSize
	batches := make([][]int, 0, want)
	buckets := make(map[K]*groupBucket[K])
	seen := make(map[K][]int)
	var order []*groupBucket[K]

	for pos, idx := range local {
		key := groups[idx]
		seen[key] = append(seen[key], idx)
		b, ok := buckets[key]
		if !ok {
			b = &groupBucket[K]{key: key}
			buckets[key] = b
			order = append(order, b)
		}
		if len(b.members) == 0 {
			b.opened = pos
		}
		b.members = append(b.members, idx)
		if len(b.members) == batchSize {
			batches = append(batches, b.members)
			b.members = nil
		}
	}

	if len(batches) == want {
		return batches
	}

	pending := make([]*groupBucket[K], 0, len(order))
	for _, b := range order {
		if len(b.members) > 0 {
			pending = append(pending, b)
		}
	}
	slices.SortFunc(pending, func(a, b *groupBucket[K]) int {
		if c := cmp.Compare(len(b.members), len(a.members)); c != 0 {
			return c
		}
		return cmp.Compare(a.opened, b.opened)
	})

	for _, b := range pending {
		if len(batches) == want {
			break
		}
		batch := make([]int, 0, batchSize)
		batch = append(batch, b.members...)
		own := seen[b.key]
		for i := 0; len(batch) < batchSize; i++ {
			batch = append(batch, own[i%len(own)])
		}
		batches = append(batches, batch)
	}
	return batches
}

// BeginEpoch enters epoch and precomputes its batches.
func (g *GroupedSampler[K]) BeginEpoch(epoch int) (*EpochScope, error) {
	if err := g.SetEpoch(epoch); err != nil {
		return nil, err
	}
	return g.cur.scope(), nil
}

// SetEpoch is BeginEpoch for callers that pair it with EndEpoch themselves.
func (g *GroupedSampler[K]) SetEpoch(epoch int) error {
	if err := g.cur.begin("set_epoch", epoch); err != nil {
		return err
	}
	g.rebatch()
	return nil
}

// EndEpoch resets progress to zero and returns to FRESH.
func (g *GroupedSampler[K]) EndEpoch() {
	g.cur.reset()
}

// Advance records that exactly one batch was consumed.
func (g *GroupedSampler[K]) Advance() error {
	return g.cur.advance(1, g.numBatches)
}

// Batches yields the batches not yet consumed in the current epoch.
func (g *GroupedSampler[K]) Batches() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		for _, b := range g.batches[g.cur.progress:] {
			if !yield(slices.Clone(b)) {
				return
			}
		}
	}
}

// Remaining returns copies of the batches not yet consumed.
func (g *GroupedSampler[K]) Remaining() [][]int {
	rest := g.batches[g.cur.progress:]
	out := make([][]int, len(rest))
	for i, b := range rest {
		out[i] = slices.Clone(b)
	}
	return out
}

// State implements Resumable.
func (g *GroupedSampler[K]) State() State {
	return g.cur.state()
}

// Load implements Resumable; progress is validated against the batch count.
func (g *GroupedSampler[K]) Load(st State) error {
	if err := g.cur.load(st, g.numBatches); err != nil {
		return err
	}
	g.rebatch()
	return nil
}

// Len returns the number of batches per epoch.
func (g *GroupedSampler[K]) Len() int {
	return g.numBatches
}

// BatchSize returns the configured batch size.
func (g *GroupedSampler[K]) BatchSize() int {
	return g.batchSize
}

// Progress returns the number of batches consumed in the current epoch.
func (g *GroupedSampler[K]) Progress() int {
	return g.cur.progress
}

// Epoch returns the current (or restored) epoch.
func (g *GroupedSampler[K]) Epoch() int {
	return g.cur.epoch
}

// InEpoch reports whether the sampler is between BeginEpoch and EndEpoch.
func (g *GroupedSampler[K]) InEpoch() bool {
	return g.cur.inEpoch
}
