package checkpoint

import (
	"errors"
	"fmt"
)

// Sentinel errors for checkpoint directory operations. All of them are
// fatal for the current cycle.
var (
	// ErrInconsistentDirectory indicates the checkpoint root cannot be
	// interpreted safely (dangling or foreign pointer, lost pointer).
	ErrInconsistentDirectory = errors.New("inconsistent checkpoint directory")

	// ErrAllocationRace indicates a freshly allocated slot was not ours alone.
	ErrAllocationRace = errors.New("checkpoint slot allocation race")

	// ErrQuorumDisagreement indicates participants disagree about the
	// publishing policy.
	ErrQuorumDisagreement = errors.New("checkpoint quorum disagreement")

	// ErrDeleteIncomplete indicates a slot survived deletion.
	ErrDeleteIncomplete = errors.New("checkpoint slot deletion incomplete")

	// ErrNoCheckpoint indicates no slot has been published yet.
	ErrNoCheckpoint = errors.New("no published checkpoint")
)

// InconsistentDirectoryError carries the offending pointer and target.
type InconsistentDirectoryError struct {
	Root    string
	Pointer string
	Target  string
	Reason  string
}

// Error implements the error interface.
func (e *InconsistentDirectoryError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("inconsistent checkpoint directory %s: %s", e.Root, e.Reason)
	}
	return fmt.Sprintf("inconsistent checkpoint directory %s: pointer %s -> %s: %s",
		e.Root, e.Pointer, e.Target, e.Reason)
}

// Unwrap returns ErrInconsistentDirectory.
func (e *InconsistentDirectoryError) Unwrap() error {
	return ErrInconsistentDirectory
}

// AllocationRaceError reports a slot that already existed or was not empty
// right after creation.
type AllocationRaceError struct {
	Path    string
	Entries int
	Err     error
}

// Error implements the error interface.
func (e *AllocationRaceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("allocate %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("allocate %s: slot not empty (%d entries)", e.Path, e.Entries)
}

// Unwrap returns ErrAllocationRace.
func (e *AllocationRaceError) Unwrap() error {
	return ErrAllocationRace
}

// QuorumDisagreementError reports which policy check failed.
type QuorumDisagreementError struct {
	Strategy Strategy
	Detail   string
}

// Error implements the error interface.
func (e *QuorumDisagreementError) Error() string {
	return fmt.Sprintf("quorum disagreement (strategy %s): %s", e.Strategy, e.Detail)
}

// Unwrap returns ErrQuorumDisagreement.
func (e *QuorumDisagreementError) Unwrap() error {
	return ErrQuorumDisagreement
}

// DeleteError reports a slot that could not be fully removed.
type DeleteError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *DeleteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delete %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("delete %s: directory still present", e.Path)
}

// Unwrap returns ErrDeleteIncomplete.
func (e *DeleteError) Unwrap() error {
	return ErrDeleteIncomplete
}
