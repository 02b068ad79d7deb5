// Package collective provides the two blocking primitives the checkpoint
// protocol needs from a group of cooperating processes: a rendezvous that
// returns only once every participant has arrived, and a boolean vote
// reduced across all participants.
//
// Backends:
//   - Standalone: one participant, nothing blocks.
//   - LocalGroup: N in-process members driven by a hub goroutine over
//     channels, for tests and simulations.
//   - FileGroup: processes sharing a filesystem exchange per-round marker files.
//   - RedisGroup: processes exchange per-round hash fields in Redis.
//
// Every participant must issue the same sequence of calls. Neither primitive
// exposes partial results: a caller sees the final tally or an error.
package collective

import (
	"context"
	"errors"
	"fmt"
)

// Group is one participant's handle on a collective.
type Group interface {
	// Rank is this participant's index in [0, Size()).
	Rank() int

	// Size is the number of participants.
	Size() int

	// Rendezvous blocks until every participant has called Rendezvous for
	// the same round.
	Rendezvous(ctx context.Context) error

	// ReduceVote contributes vote and blocks until every participant has
	// voted in the same round, then returns the tally seen by all.
	ReduceVote(ctx context.Context, vote bool) (Tally, error)

	// Close releases backend resources.
	Close() error
}

// Tally is the result of a vote round.
type Tally struct {
	Yes   int
	Total int
}

// Any is true if at least one participant voted yes.
func (t Tally) Any() bool {
	return t.Yes > 0
}

// All is true if every participant voted yes.
func (t Tally) All() bool {
	return t.Total > 0 && t.Yes == t.Total
}

// Sentinel errors for collective operations.
var (
	// ErrCollectiveMismatch indicates participants issued different
	// operations (rendezvous vs vote) in the same round.
	ErrCollectiveMismatch = errors.New("participants issued different collective operations")

	// ErrGroupClosed indicates the group was closed while a call was pending.
	ErrGroupClosed = errors.New("collective group closed")

	// ErrNotReady indicates the readiness check did not see every participant.
	ErrNotReady = errors.New("collective group not ready")
)

// RoundError wraps a failure inside one collective round.
type RoundError struct {
	// Backend is the backend name ("local", "file", "redis").
	Backend string
	// Round is the zero-based round counter of the failing participant.
	Round int
	// Rank is the failing participant.
	Rank int
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RoundError) Error() string {
	return fmt.Sprintf("%s collective round %d (rank %d): %v", e.Backend, e.Round, e.Rank, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RoundError) Unwrap() error {
	return e.Err
}

// opKind distinguishes the two primitives inside a round so a protocol
// divergence between participants is detected instead of silently merged.
type opKind byte

const (
	opRendezvous opKind = 'R'
	opVote       opKind = 'V'
)

// encodeOp renders one participant's contribution to a round.
func encodeOp(kind opKind, vote bool) string {
	if kind == opRendezvous {
		return "R"
	}
	if vote {
		return "V1"
	}
	return "V0"
}

// decodeOp parses a contribution written by encodeOp.
func decodeOp(s string) (opKind, bool, error) {
	switch s {
	case "R":
		return opRendezvous, false, nil
	case "V1":
		return opVote, true, nil
	case "V0":
		return opVote, false, nil
	}
	return 0, false, fmt.Errorf("malformed collective payload %q", s)
}

// tallyOps reduces decoded contributions, rejecting mixed operation kinds.
func tallyOps(payloads []string) (Tally, error) {
	var t Tally
	var first opKind
	for i, p := range payloads {
		kind, vote, err := decodeOp(p)
		if err != nil {
			return Tally{}, err
		}
		if i == 0 {
			first = kind
		} else if kind != first {
			return Tally{}, ErrCollectiveMismatch
		}
		if vote {
			t.Yes++
		}
		t.Total++
	}
	return t, nil
}
