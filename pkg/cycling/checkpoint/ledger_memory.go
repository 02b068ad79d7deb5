package checkpoint

import (
	"slices"
	"sync"
	"time"
)

// MemoryLedger is an in-memory ledger for testing and simulations.
// Data is lost when the process exits.
type MemoryLedger struct {
	mu     sync.RWMutex
	events map[string][]Event // name -> events in recording order
	nextID int64
	closed bool
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events: make(map[string][]Event),
		nextID: 1,
	}
}

// Record implements Ledger.
func (m *MemoryLedger) Record(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrLedgerClosed
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.ID = m.nextID
	m.nextID++
	m.events[ev.Name] = append(m.events[ev.Name], ev)
	return nil
}

// List implements Ledger.
func (m *MemoryLedger) List(name string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrLedgerClosed
	}
	return slices.Clone(m.events[name]), nil
}

// LastPublished implements Ledger.
func (m *MemoryLedger) LastPublished(name string) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Event{}, ErrLedgerClosed
	}
	events := m.events[name]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == EventPublish {
			return events[i], nil
		}
	}
	return Event{}, ErrNotFound
}

// DeleteName implements Ledger.
func (m *MemoryLedger) DeleteName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrLedgerClosed
	}
	delete(m.events, name)
	return nil
}

// Close implements Ledger.
func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.events = nil
	return nil
}

// Len returns the total number of events across all names.
// Useful for testing.
func (m *MemoryLedger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, events := range m.events {
		count += len(events)
	}
	return count
}
