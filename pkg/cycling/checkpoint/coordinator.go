package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/StrongResearch/cycling-utils/pkg/cycling/collective"
	"github.com/StrongResearch/cycling-utils/pkg/cycling/observability"
)

// Cycle phases, used for metrics, spans and errors.
const (
	PhaseCheck      = "check"
	PhaseRendezvous = "rendezvous"
	PhaseCleanup    = "cleanup"
	PhaseVote       = "vote"
	PhaseAllocate   = "allocate"
	PhaseDiscover   = "discover"
	PhasePublish    = "publish"
	PhasePrune      = "prune"
)

// Coordinator runs the publish cycle for one participant. Every
// participant of the group must construct a Coordinator with the same
// name, strategy and keep_last, and call Prepare and Publish in lockstep.
//
// A Coordinator is not safe for concurrent use.
type Coordinator struct {
	dir        Dir
	group      collective.Group
	alloc      *Allocator
	opts       options
	designated bool
	logger     *slog.Logger
}

// Prepared is a slot allocated by Prepare and awaiting content.
type Prepared struct {
	Slot  Slot
	Path  string
	Force bool
}

// NewCoordinator validates options and, unless the strategy is standalone,
// checks with every participant that they agree on the strategy and that
// exactly one of them is the designated writer. It makes no changes to dir.
func NewCoordinator(ctx context.Context, dir Dir, group collective.Group, opts ...Option) (*Coordinator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	strategy, _ := ParseStrategy(string(o.strategy))
	o.strategy = strategy

	if group == nil {
		if o.strategy != StrategyStandalone {
			return nil, fmt.Errorf("strategy %s requires a collective group", o.strategy)
		}
		group = collective.Standalone{}
	}

	c := &Coordinator{
		dir:    dir,
		group:  group,
		alloc:  NewAllocator(dir, o.name, o.keepLast),
		opts:   o,
		logger: observability.EnrichLogger(o.logger, o.name, group.Rank()),
	}

	if o.strategy == StrategyStandalone {
		if group.Size() != 1 {
			return nil, &QuorumDisagreementError{
				Strategy: o.strategy,
				Detail:   fmt.Sprintf("standalone mode with %d participants", group.Size()),
			}
		}
		if o.designated != nil && !*o.designated {
			return nil, &QuorumDisagreementError{
				Strategy: o.strategy,
				Detail:   "the only participant is not the designated writer",
			}
		}
		c.designated = true
		return c, nil
	}

	c.designated = group.Rank() == 0
	if o.designated != nil {
		c.designated = *o.designated
	}
	if err := c.checkConsistency(ctx); err != nil {
		observability.LogCycleError(c.logger, PhaseCheck, err)
		return nil, err
	}
	return c, nil
}

// checkConsistency votes once per quorum strategy and once on the
// designated flag. Every participant issues the same calls in the same
// order regardless of its own configuration.
func (c *Coordinator) checkConsistency(ctx context.Context) error {
	for _, s := range quorumStrategies {
		tally, err := c.group.ReduceVote(ctx, c.opts.strategy == s)
		if err != nil {
			return fmt.Errorf("strategy agreement: %w", err)
		}
		if tally.Any() && !tally.All() {
			return &QuorumDisagreementError{
				Strategy: c.opts.strategy,
				Detail:   fmt.Sprintf("%d of %d participants use strategy %s", tally.Yes, tally.Total, s),
			}
		}
	}

	tally, err := c.group.ReduceVote(ctx, c.designated)
	if err != nil {
		return fmt.Errorf("designated writer agreement: %w", err)
	}
	if tally.Yes != 1 {
		return &QuorumDisagreementError{
			Strategy: c.opts.strategy,
			Detail:   fmt.Sprintf("%d designated writers among %d participants", tally.Yes, tally.Total),
		}
	}
	return nil
}

// Name returns the checkpoint name.
func (c *Coordinator) Name() string { return c.opts.name }

// Strategy returns the force-save strategy.
func (c *Coordinator) Strategy() Strategy { return c.opts.strategy }

// Designated reports whether this participant mutates the root.
func (c *Coordinator) Designated() bool { return c.designated }

// Group returns the collective group.
func (c *Coordinator) Group() collective.Group { return c.group }

// Dir returns the checkpoint root.
func (c *Coordinator) Dir() Dir { return c.dir }

// Allocator returns the underlying allocator.
func (c *Coordinator) Allocator() *Allocator { return c.alloc }

// Barrier blocks until every participant reaches it. It returns
// immediately in standalone mode. Callers use it to make sure every
// participant has finished writing slot content before Publish.
func (c *Coordinator) Barrier(ctx context.Context) error {
	return c.rendezvous(ctx)
}

func (c *Coordinator) rendezvous(ctx context.Context) error {
	if c.opts.strategy == StrategyStandalone {
		return nil
	}
	return c.phase(ctx, PhaseRendezvous, func(ctx context.Context) error {
		return c.group.Rendezvous(ctx)
	})
}

// phase runs fn under a span and records its latency.
func (c *Coordinator) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := c.opts.spans.StartPhaseSpan(ctx, name)
	elapsed := observability.TimedOperation()
	err := fn(ctx)
	c.opts.metrics.RecordPhase(ctx, name, elapsed(), err)
	c.opts.spans.EndSpanWithError(span, err)
	if err != nil {
		observability.LogCycleError(c.logger, name, err)
	}
	return err
}

// Prepare runs the first half of a cycle: rendezvous, cleanup by the
// designated writer, rendezvous, force decision, allocation by the
// designated writer, rendezvous. Every participant receives the same slot.
func (c *Coordinator) Prepare(ctx context.Context, vote bool) (_ *Prepared, err error) {
	ctx, span := c.opts.spans.StartCycleSpan(ctx, c.opts.name, c.group.Rank())
	defer func() { c.opts.spans.EndSpanWithError(span, err) }()

	if err := c.rendezvous(ctx); err != nil {
		return nil, err
	}

	if c.designated {
		if err := c.phase(ctx, PhaseCleanup, func(ctx context.Context) error {
			return c.cleanup(ctx, PhaseCleanup)
		}); err != nil {
			return nil, err
		}
	}

	if err := c.rendezvous(ctx); err != nil {
		return nil, err
	}

	var force bool
	if err := c.phase(ctx, PhaseVote, func(ctx context.Context) error {
		force, err = c.decideForce(ctx, vote)
		return err
	}); err != nil {
		return nil, err
	}
	c.opts.spans.AddSpanEvent(ctx, "force decided", attribute.Bool("force", force))

	var slot Slot
	if c.designated {
		if err := c.phase(ctx, PhaseAllocate, func(ctx context.Context) error {
			slot, err = c.alloc.Allocate(ctx, force)
			return err
		}); err != nil {
			return nil, err
		}
		c.record(EventAllocate, slot)
	}

	if err := c.rendezvous(ctx); err != nil {
		return nil, err
	}

	if !c.designated {
		if err := c.phase(ctx, PhaseDiscover, func(ctx context.Context) error {
			slot, err = c.discover(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}

	p := &Prepared{Slot: slot, Path: c.alloc.Path(slot), Force: slot.Force}
	observability.LogPrepared(c.logger, slot.DirName(), slot.Force, p.Path)
	return p, nil
}

// decideForce reduces the force votes. LOCAL and standalone use the
// caller's own vote; the vote round still happens under LOCAL so every
// participant issues the same collective calls.
func (c *Coordinator) decideForce(ctx context.Context, vote bool) (bool, error) {
	if c.opts.strategy == StrategyStandalone {
		return vote, nil
	}
	tally, err := c.group.ReduceVote(ctx, vote)
	if err != nil {
		return false, err
	}
	switch c.opts.strategy {
	case StrategyAny:
		return tally.Any(), nil
	case StrategyAll:
		return tally.All(), nil
	default:
		return vote, nil
	}
}

// discover finds the slot the designated writer allocated: the only slot
// whose sequence number follows the pointer.
func (c *Coordinator) discover(ctx context.Context) (Slot, error) {
	l, err := c.alloc.Scan(ctx)
	if err != nil {
		return Slot{}, err
	}
	want := l.LatestSeq + 1
	var found []Slot
	for _, s := range l.Slots {
		if s.Seq == want {
			found = append(found, s)
		}
	}
	if len(found) != 1 {
		return Slot{}, &InconsistentDirectoryError{
			Root:   c.dir.Root(),
			Reason: fmt.Sprintf("expected one allocated slot with sequence %d, found %d", want, len(found)),
		}
	}
	return found[0], nil
}

// Publish makes p the latest checkpoint. The designated writer swaps the
// pointer through a temporary symlink and a rename, then prunes slots that
// fell out of retention. Every participant then rendezvous.
//
// Pruning runs after the swap and only removes plain slots with
// Seq <= p.Slot.Seq-keep_last, never p itself and never force slots.
// No participant can still be reading one: every participant passed the
// Barrier after writing p, resolving the pointer now yields p, and resumes
// read through the pointer before the first Prepare of a launch.
//
// Callers must ensure every participant has finished writing p's content,
// for example with Barrier.
func (c *Coordinator) Publish(ctx context.Context, p *Prepared) error {
	if p == nil {
		return fmt.Errorf("publish: nil prepared slot")
	}
	if c.designated {
		elapsed := observability.TimedOperation()
		if err := c.phase(ctx, PhasePublish, func(ctx context.Context) error {
			return c.swapPointer(ctx, p)
		}); err != nil {
			return err
		}
		d := elapsed()
		c.opts.metrics.RecordPublish(ctx, c.opts.name, p.Force, d)
		observability.LogPublish(c.logger, p.Slot.DirName(), p.Force, observability.Milliseconds(d))
		c.record(EventPublish, p.Slot)

		if err := c.phase(ctx, PhasePrune, func(ctx context.Context) error {
			return c.cleanup(ctx, PhasePrune)
		}); err != nil {
			return err
		}
	}
	return c.rendezvous(ctx)
}

func (c *Coordinator) swapPointer(ctx context.Context, p *Prepared) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	exists, err := c.dir.Exists(p.Slot.DirName())
	if err != nil {
		return fmt.Errorf("stat slot %s: %w", p.Path, err)
	}
	if !exists {
		return &InconsistentDirectoryError{
			Root:   c.dir.Root(),
			Reason: fmt.Sprintf("slot %s vanished before publish", p.Slot.DirName()),
		}
	}

	tmp := pointerTempName(c.opts.name)
	if err := c.dir.RemoveAll(tmp); err != nil {
		return fmt.Errorf("remove stale pointer %s: %w", tmp, err)
	}
	if err := c.dir.Symlink(p.Path, tmp); err != nil {
		return fmt.Errorf("create pointer %s: %w", tmp, err)
	}
	if err := c.dir.Rename(tmp, PointerName(c.opts.name)); err != nil {
		return fmt.Errorf("replace pointer: %w", err)
	}
	return nil
}

// cleanup deletes obsolete slots, logs, records metrics and ledger events.
// Slots newer than the pointer are logged as unpublished, the rest as
// retention, both judged against the same listing the deletions come from.
func (c *Coordinator) cleanup(ctx context.Context, phase string) error {
	elapsed := observability.TimedOperation()
	l, err := c.alloc.Scan(ctx)
	if err != nil {
		return err
	}
	deleted, err := c.alloc.CleanupListing(ctx, l)
	for _, s := range deleted {
		reason := "retention"
		if s.Seq > l.LatestSeq {
			reason = "unpublished"
		}
		observability.LogSlotDeleted(c.logger, s.DirName(), reason)
		c.record(EventDelete, s)
	}
	d := elapsed()
	c.opts.metrics.RecordCleanup(ctx, c.opts.name, len(deleted), d)
	observability.LogCleanup(c.logger, phase, len(deleted), observability.Milliseconds(d))
	return err
}

// record appends to the ledger. Ledger failures are logged, not fatal: the
// directory is the source of truth.
func (c *Coordinator) record(kind EventKind, s Slot) {
	if c.opts.ledger == nil {
		return
	}
	err := c.opts.ledger.Record(Event{
		Name:      c.opts.name,
		Kind:      kind,
		Seq:       s.Seq,
		Force:     s.Force,
		RunID:     c.opts.runID,
		Rank:      c.group.Rank(),
		Timestamp: time.Now().UTC(),
	})
	if err != nil && c.logger != nil {
		c.logger.Warn("ledger record failed",
			slog.String("kind", string(kind)),
			slog.String("slot", s.DirName()),
			slog.String("error", err.Error()))
	}
}

// Latest returns the published slot and its path. ok is false when
// nothing has been published yet.
func (c *Coordinator) Latest(ctx context.Context) (slot Slot, path string, ok bool, err error) {
	return Latest(ctx, c.dir, c.opts.name)
}

// Latest resolves the pointer for name in dir without a Coordinator. It
// is safe to call from any participant or from an unrelated reader.
func Latest(ctx context.Context, dir Dir, name string) (Slot, string, bool, error) {
	l, err := NewAllocator(dir, name, -1).Scan(ctx)
	if err != nil {
		return Slot{}, "", false, err
	}
	if !l.HasPointer() {
		return Slot{}, "", false, nil
	}
	return l.Latest, filepath.Join(dir.Root(), l.Latest.DirName()), true, nil
}
