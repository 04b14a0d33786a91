package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"quantflow/internal/events"
)

// EventStore persists the bus journal into the events table, trimmed to the
// newest maxEvents rows on every append. It satisfies events.Journal.
type EventStore struct {
	db        *sql.DB
	mu        sync.Mutex
	maxEvents int
}

// NewEventStore builds a journal backend over an opened database.
func NewEventStore(d *Database, maxEvents int) *EventStore {
	if maxEvents <= 0 {
		maxEvents = events.DefaultJournalCap
	}
	return &EventStore{db: d.DB, maxEvents: maxEvents}
}

// Append inserts the event and trims history beyond the cap.
func (s *EventStore) Append(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO events (event_id, subject, data, source, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.Subject, string(data), e.Source, e.Timestamp.UTC()); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM events WHERE id <= (
			SELECT id FROM events ORDER BY id DESC LIMIT 1 OFFSET ?
		)
	`, s.maxEvents); err != nil {
		return fmt.Errorf("trim events: %w", err)
	}

	return tx.Commit()
}

// Recent returns up to limit events, newest first.
func (s *EventStore) Recent(limit int) ([]events.Event, error) {
	if limit <= 0 || limit > s.maxEvents {
		limit = s.maxEvents
	}
	rows, err := s.db.Query(`
		SELECT event_id, subject, data, COALESCE(source, ''), created_at
		FROM events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e       events.Event
			rawData string
			ts      time.Time
		)
		if err := rows.Scan(&e.ID, &e.Subject, &rawData, &e.Source, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = ts
		if err := json.Unmarshal([]byte(rawData), &e.Data); err != nil {
			// A torn row is skipped, not fatal; the journal is an audit aid.
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count reports how many rows the journal currently holds.
func (s *EventStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
