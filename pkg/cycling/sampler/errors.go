package sampler

import (
	"errors"
	"fmt"
)

// Sentinel errors for sampler state transitions.
var (
	// ErrSequencing indicates an epoch transition was attempted without
	// first resetting progress from the prior epoch, or progress was
	// advanced outside of an epoch.
	ErrSequencing = errors.New("sampler epoch sequencing violated")

	// ErrProgressOverrun indicates progress would exceed the number of
	// units available to this replica in the current epoch.
	ErrProgressOverrun = errors.New("sampler progress overrun")

	// ErrInvalidArgument indicates a constructor or method argument is out of range.
	ErrInvalidArgument = errors.New("invalid sampler argument")
)

// SequencingError describes an illegal FRESH/IN_EPOCH transition.
type SequencingError struct {
	// Op is the attempted operation ("begin_epoch", "set_epoch", "advance").
	Op string
	// Epoch is the epoch the caller asked for, or the current epoch for advance.
	Epoch int
	// Progress is the progress held by the sampler when the call was made.
	Progress int
	// Reason is a short human-readable explanation.
	Reason string
}

// Error implements the error interface.
func (e *SequencingError) Error() string {
	return fmt.Sprintf("%s epoch %d (progress %d): %s", e.Op, e.Epoch, e.Progress, e.Reason)
}

// Unwrap returns ErrSequencing for errors.Is support.
func (e *SequencingError) Unwrap() error {
	return ErrSequencing
}

// ProgressOverrunError carries the counters of a rejected advance or load.
type ProgressOverrunError struct {
	// Progress is the position before the rejected advance, or the
	// rejected value of a load.
	Progress int
	// Advance is the requested step; zero for a load.
	Advance int
	// Capacity is the per-epoch capacity of this replica.
	Capacity int
	// Unit is "samples" or "batches".
	Unit string
	// Epoch is the epoch the sampler was in.
	Epoch int
}

// Error implements the error interface.
func (e *ProgressOverrunError) Error() string {
	if e.Advance > 0 {
		return fmt.Sprintf("advancing %d %s from progress %d exceeds %d available in epoch %d",
			e.Advance, e.Unit, e.Progress, e.Capacity, e.Epoch)
	}
	return fmt.Sprintf("progress %d exceeds %d %s available in epoch %d",
		e.Progress, e.Capacity, e.Unit, e.Epoch)
}

// Unwrap returns ErrProgressOverrun for errors.Is support.
func (e *ProgressOverrunError) Unwrap() error {
	return ErrProgressOverrun
}
