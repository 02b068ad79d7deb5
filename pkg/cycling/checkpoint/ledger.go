package checkpoint

import (
	"errors"
	"time"
)

// Ledger keeps an append-only history of what the designated writer did
// to the checkpoint root. The directory itself remains the source of
// truth; the ledger is for operators answering "when was slot 41
// published, and by which run".
//
// Implementations must be safe for concurrent use.
type Ledger interface {
	// Record appends an event. A zero Timestamp is set to the current time.
	Record(ev Event) error

	// List returns all events for a checkpoint name in recording order.
	// Returns empty slice (not error) if the name has no events.
	List(name string) ([]Event, error)

	// LastPublished returns the most recent publish event for name.
	// Returns ErrNotFound if nothing was published.
	LastPublished(name string) (Event, error)

	// DeleteName removes all events for a checkpoint name.
	DeleteName(name string) error

	// Close releases any resources (connections, files).
	Close() error
}

// EventKind classifies ledger events.
type EventKind string

// Ledger event kinds.
const (
	EventAllocate EventKind = "allocate"
	EventPublish  EventKind = "publish"
	EventDelete   EventKind = "delete"
)

// Event is one ledger entry.
type Event struct {
	ID        int64
	Name      string
	Kind      EventKind
	Seq       int
	Force     bool
	RunID     string
	Rank      int
	Timestamp time.Time
}

// Slot returns the slot the event refers to.
func (e Event) Slot() Slot {
	return Slot{Name: e.Name, Seq: e.Seq, Force: e.Force}
}

// Sentinel errors for ledger operations.
var (
	// ErrNotFound indicates no matching ledger event exists.
	ErrNotFound = errors.New("ledger event not found")

	// ErrLedgerClosed indicates the ledger has been closed.
	ErrLedgerClosed = errors.New("checkpoint ledger closed")
)
