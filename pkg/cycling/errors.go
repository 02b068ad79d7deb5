package cycling

import (
	"errors"
	"fmt"
)

// Sentinel errors for resume and checkpointing.
var (
	// ErrDeserializeState indicates the state file of a published slot
	// could not be read or decoded.
	ErrDeserializeState = errors.New("failed to deserialize cycle state")

	// ErrStateVersionMismatch indicates the state file was written by an
	// incompatible version.
	ErrStateVersionMismatch = errors.New("cycle state version mismatch")

	// ErrUnsupportedSampler indicates the sampler has no Advance method the
	// Cycler can drive.
	ErrUnsupportedSampler = errors.New("unsupported sampler")
)

// ResumeError describes a failure to restore from a published slot.
type ResumeError struct {
	// Path is the slot directory that was being restored.
	Path string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ResumeError) Error() string {
	return fmt.Sprintf("resume from %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResumeError) Unwrap() error {
	return e.Err
}
