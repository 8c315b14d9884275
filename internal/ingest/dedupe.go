package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/receipt-entitlements/internal/sqlitedb"
)

// ErrEventInFlight is returned when another delivery of the same event holds
// the processing lock. The caller must answer non-2xx so Stripe retries.
var ErrEventInFlight = errors.New("stripe event is already in flight")

// Processed-event states.
const (
	StateInFlight     = "in_flight"
	StateFailed       = "failed"
	StateDone         = "done"
	StateDeadLettered = "dead_lettered"
)

const defaultLockTTL = 10 * time.Minute

// ProcessedEvent is a row of the processed-event log.
type ProcessedEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DoResult reports how Do handled an event.
type DoResult struct {
	Duplicate bool
	Attempts  int
}

// EventStore is the durable processed-event log and dead-letter table.
type EventStore struct {
	db      *sql.DB
	lockTTL time.Duration
	now     func() time.Time
}

// NewEventStore opens (or creates) events.db in dir.
func NewEventStore(dir string) (*EventStore, error) {
	db, err := sqlitedb.Open(dir, "events.db")
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	s := &EventStore{db: db, lockTTL: defaultLockTTL, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *EventStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_events (
		event_id   TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		state      TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		locked_at  INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS dead_letters (
		id          TEXT PRIMARY KEY,
		event_id    TEXT NOT NULL UNIQUE,
		event_type  TEXT NOT NULL,
		payload     BLOB NOT NULL,
		reason      TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		attempts    INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		resolved_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_open ON dead_letters(resolved_at, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init event schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *EventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Do runs fn at most once to completion per event ID. A done (or dead-lettered)
// event is reported as a duplicate without calling fn. The done marker is
// written only after fn succeeds, so a failed attempt stays retryable.
func (s *EventStore) Do(ctx context.Context, eventID, eventType string, fn func(context.Context) error) (DoResult, error) {
	if s == nil {
		return DoResult{}, errors.New("event store is nil")
	}
	if strings.TrimSpace(eventID) == "" {
		return DoResult{}, errors.New("event id is required")
	}
	if fn == nil {
		return DoResult{}, errors.New("handler is required")
	}

	res, err := s.acquire(ctx, eventID, eventType)
	if err != nil || res.Duplicate {
		return res, err
	}

	if err := fn(ctx); err != nil {
		if markErr := s.setState(context.WithoutCancel(ctx), eventID, StateFailed, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("event_id", eventID).Msg("Failed to record failed event attempt")
		}
		return res, err
	}

	if err := s.setState(context.WithoutCancel(ctx), eventID, StateDone, ""); err != nil {
		return res, fmt.Errorf("commit processed event: %w", err)
	}
	return res, nil
}

func (s *EventStore) acquire(ctx context.Context, eventID, eventType string) (DoResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DoResult{}, fmt.Errorf("begin acquire: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	var state string
	var attempts int
	var lockedAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT state, attempts, locked_at FROM processed_events WHERE event_id = ?`, eventID,
	).Scan(&state, &attempts, &lockedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		attempts = 1
		_, err = tx.ExecContext(ctx, `INSERT INTO processed_events
			(event_id, event_type, state, attempts, locked_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
			eventID, eventType, StateInFlight, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return DoResult{}, fmt.Errorf("insert processed event: %w", err)
		}

	case err != nil:
		return DoResult{}, fmt.Errorf("read processed event: %w", err)

	case state == StateDone || state == StateDeadLettered:
		return DoResult{Duplicate: true, Attempts: attempts}, nil

	case state == StateInFlight && now.Sub(time.UnixMilli(lockedAt)) < s.lockTTL:
		return DoResult{Attempts: attempts}, ErrEventInFlight

	default:
		// Failed attempt, or a lock abandoned by a crashed process.
		attempts++
		_, err = tx.ExecContext(ctx, `UPDATE processed_events
			SET state = ?, attempts = ?, locked_at = ?, updated_at = ? WHERE event_id = ?`,
			StateInFlight, attempts, now.UnixMilli(), now.UnixMilli(), eventID)
		if err != nil {
			return DoResult{}, fmt.Errorf("re-acquire processed event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return DoResult{}, fmt.Errorf("commit acquire: %w", err)
	}
	return DoResult{Attempts: attempts}, nil
}

func (s *EventStore) setState(ctx context.Context, eventID, state, lastError string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE processed_events
		SET state = ?, last_error = ?, locked_at = 0, updated_at = ? WHERE event_id = ?`,
		state, truncate(lastError, 500), s.now().UTC().UnixMilli(), eventID)
	return err
}

// MarkDeadLettered stops further processing of eventID; redeliveries are
// acknowledged as duplicates.
func (s *EventStore) MarkDeadLettered(ctx context.Context, eventID string) error {
	if err := s.setState(ctx, eventID, StateDeadLettered, ""); err != nil {
		return fmt.Errorf("mark dead lettered: %w", err)
	}
	return nil
}

// Lookup returns the processed-event row for eventID, or nil when unseen.
func (s *EventStore) Lookup(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	var pe ProcessedEvent
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT event_id, event_type, state, attempts, last_error, updated_at
		FROM processed_events WHERE event_id = ?`, eventID,
	).Scan(&pe.EventID, &pe.EventType, &pe.State, &pe.Attempts, &pe.LastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup processed event: %w", err)
	}
	pe.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &pe, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
