package collective

import "context"

// Standalone is the single-participant group: rendezvous returns
// immediately and a vote tallies only the caller's own ballot.
type Standalone struct{}

// Compile-time interface check.
var _ Group = Standalone{}

// Rank always returns 0.
func (Standalone) Rank() int { return 0 }

// Size always returns 1.
func (Standalone) Size() int { return 1 }

// Rendezvous returns ctx.Err() without blocking.
func (Standalone) Rendezvous(ctx context.Context) error {
	return ctx.Err()
}

// ReduceVote returns a tally of the caller's vote alone.
func (Standalone) ReduceVote(ctx context.Context, vote bool) (Tally, error) {
	if err := ctx.Err(); err != nil {
		return Tally{}, err
	}
	t := Tally{Total: 1}
	if vote {
		t.Yes = 1
	}
	return t, nil
}

// Close does nothing.
func (Standalone) Close() error { return nil }
