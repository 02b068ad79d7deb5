package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteLedger persists ledger events to SQLite.
// It is suitable for a single designated writer per database file.
type SQLiteLedger struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteLedger opens or creates a ledger database.
// The path should be a file path (e.g., "./ledger.db") or ":memory:" for testing.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A :memory: database is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			seq INTEGER NOT NULL,
			is_force INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			writer_rank INTEGER NOT NULL,
			timestamp TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_checkpoint_events_name
		ON checkpoint_events(name, kind)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// Record implements Ledger.
func (s *SQLiteLedger) Record(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrLedgerClosed
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO checkpoint_events (name, kind, seq, is_force, run_id, writer_rank, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.Name, string(ev.Kind), ev.Seq, ev.Force, ev.RunID, ev.Rank,
		ev.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// List implements Ledger.
func (s *SQLiteLedger) List(name string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrLedgerClosed
	}

	rows, err := s.db.Query(`
		SELECT id, kind, seq, is_force, run_id, writer_rank, timestamp
		FROM checkpoint_events
		WHERE name = ?
		ORDER BY id
	`, name)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows, name)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LastPublished implements Ledger.
func (s *SQLiteLedger) LastPublished(name string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Event{}, ErrLedgerClosed
	}

	row := s.db.QueryRow(`
		SELECT id, kind, seq, is_force, run_id, writer_rank, timestamp
		FROM checkpoint_events
		WHERE name = ? AND kind = ?
		ORDER BY id DESC
		LIMIT 1
	`, name, string(EventPublish))
	ev, err := scanEvent(row, name)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return ev, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner, name string) (Event, error) {
	var ev Event
	var kind, timestamp string
	if err := r.Scan(&ev.ID, &kind, &ev.Seq, &ev.Force, &ev.RunID, &ev.Rank, &timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Name = name
	ev.Kind = EventKind(kind)
	ev.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	return ev, nil
}

// DeleteName implements Ledger.
func (s *SQLiteLedger) DeleteName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrLedgerClosed
	}

	if _, err := s.db.Exec(`DELETE FROM checkpoint_events WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

// Close implements Ledger.
func (s *SQLiteLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
