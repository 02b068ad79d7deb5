package checkpoint

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
)

// Listing is a parsed view of the checkpoint root for one checkpoint name.
type Listing struct {
	Name string

	// Slots holds every slot directory of this name, ordered by Seq with
	// the plain slot before the force slot on a tie.
	Slots []Slot

	// LatestSeq is the pointer target's sequence number, or -1 when no
	// pointer exists.
	LatestSeq int

	// Latest is the pointer target. Valid only when LatestSeq >= 0.
	Latest Slot

	// Target is the resolved absolute pointer target.
	Target string
}

// HasPointer reports whether a pointer was found.
func (l *Listing) HasPointer() bool {
	return l.LatestSeq >= 0
}

// Allocator inspects, cleans and extends the checkpoint root. It performs
// no coordination; the Coordinator decides who may call the mutating
// methods.
type Allocator struct {
	dir      Dir
	name     string
	keepLast int
}

// NewAllocator creates an allocator for name. keepLast < 0 disables
// retention so only crash-orphaned slots are reclaimed.
func NewAllocator(dir Dir, name string, keepLast int) *Allocator {
	if keepLast < 0 {
		keepLast = -1
	}
	return &Allocator{dir: dir, name: name, keepLast: keepLast}
}

// Name returns the checkpoint name.
func (a *Allocator) Name() string { return a.name }

// KeepLast returns the retention limit, -1 when disabled.
func (a *Allocator) KeepLast() int { return a.keepLast }

// Path returns the absolute path of slot s.
func (a *Allocator) Path(s Slot) string {
	return filepath.Join(a.dir.Root(), s.DirName())
}

// Scan lists the root and resolves the pointer.
func (a *Allocator) Scan(ctx context.Context) (*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := a.dir.List()
	if err != nil {
		return nil, err
	}
	l := &Listing{Name: a.name, LatestSeq: -1}
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		if s, ok := ParseSlotName(a.name, e.Name); ok {
			l.Slots = append(l.Slots, s)
		}
	}
	slices.SortFunc(l.Slots, compareSlots)

	pointer := PointerName(a.name)
	target, err := a.dir.Readlink(pointer)
	if errors.Is(err, fs.ErrNotExist) {
		// Without a pointer only an unpublished first slot is explainable.
		for _, s := range l.Slots {
			if s.Seq > 0 {
				return nil, &InconsistentDirectoryError{
					Root:   a.dir.Root(),
					Reason: fmt.Sprintf("no pointer %s but slot %s exists", pointer, s.DirName()),
				}
			}
		}
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pointer %s: %w", pointer, err)
	}

	root := filepath.Clean(a.dir.Root())
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)
	inconsistent := func(reason string) error {
		return &InconsistentDirectoryError{Root: root, Pointer: pointer, Target: target, Reason: reason}
	}

	if filepath.Dir(resolved) != root {
		return nil, inconsistent("target outside checkpoint root")
	}
	latest, ok := ParseSlotName(a.name, filepath.Base(resolved))
	if !ok {
		return nil, inconsistent("target is not a slot of " + a.name)
	}
	if !slices.Contains(l.Slots, latest) {
		return nil, inconsistent("target slot missing")
	}

	l.Latest = latest
	l.LatestSeq = latest.Seq
	l.Target = resolved
	return l, nil
}

func compareSlots(a, b Slot) int {
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	switch {
	case a.Force == b.Force:
		return 0
	case a.Force:
		return 1
	default:
		return -1
	}
}

// Next returns the slot that follows the listing's pointer.
func (a *Allocator) Next(l *Listing, force bool) Slot {
	return Slot{Name: a.name, Seq: l.LatestSeq + 1, Force: force}
}

// Obsolete returns the slots cleanup may delete: every slot newer than the
// pointer, and with retention enabled every plain slot with
// Seq <= LatestSeq-keepLast. The pointer target and force slots of
// published history are never returned.
func (a *Allocator) Obsolete(l *Listing) []Slot {
	var out []Slot
	for _, s := range l.Slots {
		if l.HasPointer() && s == l.Latest {
			continue
		}
		switch {
		case s.Seq > l.LatestSeq:
			out = append(out, s)
		case a.keepLast >= 0 && !s.Force && s.Seq <= l.LatestSeq-a.keepLast:
			out = append(out, s)
		}
	}
	return out
}

// Cleanup deletes obsolete slots and returns them in deletion order. On
// error the returned slice holds the slots deleted before the failure.
func (a *Allocator) Cleanup(ctx context.Context) ([]Slot, error) {
	l, err := a.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return a.CleanupListing(ctx, l)
}

// CleanupListing deletes the slots Obsolete returns for l without
// rescanning the directory.
func (a *Allocator) CleanupListing(ctx context.Context, l *Listing) ([]Slot, error) {
	var deleted []Slot
	for _, s := range a.Obsolete(l) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := a.Delete(s); err != nil {
			return deleted, err
		}
		deleted = append(deleted, s)
	}
	return deleted, nil
}

// Delete removes slot s and verifies it is gone. Deleting a missing slot
// succeeds.
func (a *Allocator) Delete(s Slot) error {
	name := s.DirName()
	if err := a.dir.RemoveAll(name); err != nil {
		return &DeleteError{Path: a.Path(s), Err: err}
	}
	exists, err := a.dir.Exists(name)
	if err != nil {
		return &DeleteError{Path: a.Path(s), Err: err}
	}
	if exists {
		return &DeleteError{Path: a.Path(s)}
	}
	return nil
}

// Allocate creates the next slot exclusively and checks that it is empty.
func (a *Allocator) Allocate(ctx context.Context, force bool) (Slot, error) {
	l, err := a.Scan(ctx)
	if err != nil {
		return Slot{}, err
	}
	slot := a.Next(l, force)
	path := a.Path(slot)

	for _, s := range l.Slots {
		if s.Seq == slot.Seq {
			return Slot{}, &AllocationRaceError{
				Path: path,
				Err:  fmt.Errorf("slot %s already holds sequence %d", s.DirName(), s.Seq),
			}
		}
	}

	if err := a.dir.Mkdir(slot.DirName()); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Slot{}, &AllocationRaceError{Path: path, Err: err}
		}
		return Slot{}, fmt.Errorf("create slot %s: %w", path, err)
	}
	n, err := a.dir.Entries(slot.DirName())
	if err != nil {
		return Slot{}, fmt.Errorf("verify slot %s: %w", path, err)
	}
	if n > 0 {
		return Slot{}, &AllocationRaceError{Path: path, Entries: n}
	}
	return slot, nil
}
