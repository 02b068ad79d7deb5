package collective

import (
	"context"
	"fmt"
)

// NotReadyError reports a readiness check that did not see every participant.
type NotReadyError struct {
	Expected int
	Yes      int
	Total    int
}

// Error implements the error interface.
func (e *NotReadyError) Error() string {
	return fmt.Sprintf("collective not ready: %d/%d participants answered yes (expected %d)",
		e.Yes, e.Total, e.Expected)
}

// Unwrap returns ErrNotReady.
func (e *NotReadyError) Unwrap() error {
	return ErrNotReady
}

// CheckReady has every participant vote yes and verifies the tally equals
// the group size. It blocks until all participants have called it.
func CheckReady(ctx context.Context, g Group) error {
	tally, err := g.ReduceVote(ctx, true)
	if err != nil {
		return fmt.Errorf("readiness vote: %w", err)
	}
	if tally.Total != g.Size() || tally.Yes != g.Size() {
		return &NotReadyError{Expected: g.Size(), Yes: tally.Yes, Total: tally.Total}
	}
	return nil
}
