package breaker

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// eventTimeLayout is the stored timestamp format (UTC, millisecond
// precision, sorts lexicographically).
const eventTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// SQLiteStore persists breaker events to a SQLite database for later
// analysis and alerting. The caller owns the *sql.DB and must register a
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
//	db, _ := sql.Open("sqlite", "file:pipeline.db?_journal=WAL")
//	store, _ := breaker.NewSQLiteStore(db, "flashcard-api")
type SQLiteStore struct {
	db      *sql.DB
	service string
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS breaker_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	service     TEXT    NOT NULL,
	occurred_at TEXT    NOT NULL,
	event_type  TEXT    NOT NULL,
	from_state  TEXT,
	to_state    TEXT,
	error       TEXT
);
CREATE INDEX IF NOT EXISTS idx_breaker_events_service_time
	ON breaker_events (service, occurred_at);
`

// NewSQLiteStore creates the event table if needed and returns a store
// scoped to one service name.
func NewSQLiteStore(db *sql.DB, service string) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if service == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("create breaker_events schema: %w", err)
	}
	return &SQLiteStore{db: db, service: service}, nil
}

// Record implements EventSink.
func (s *SQLiteStore) Record(ev Event) error {
	_, err := s.db.Exec(
		`INSERT INTO breaker_events (service, occurred_at, event_type, from_state, to_state, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.service,
		ev.Time.UTC().Format(eventTimeLayout),
		string(ev.Type),
		string(ev.From),
		string(ev.To),
		ev.Err,
	)
	if err != nil {
		return fmt.Errorf("insert breaker event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit persisted events for the service,
// newest first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_at, event_type, from_state, to_state, error
		 FROM breaker_events
		 WHERE service = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		s.service, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query breaker events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var occurredAt string
		if err := rows.Scan(&occurredAt, &ev.Type, &ev.From, &ev.To, &ev.Err); err != nil {
			return nil, fmt.Errorf("scan breaker event: %w", err)
		}
		if t, err := time.Parse(eventTimeLayout, occurredAt); err == nil {
			ev.Time = t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
