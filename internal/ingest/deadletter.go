package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
	"github.com/rcourtman/receipt-entitlements/internal/metrics"
)

// Dead-letter reasons.
const (
	ReasonMaxAttempts  = "max_attempts"
	ReasonUserNotFound = "user_not_found"
)

// ErrDeadLetterNotFound is returned for an unknown dead-letter ID.
var ErrDeadLetterNotFound = fmt.Errorf("dead letter %w", internalerrors.ErrNotFound)

// DeadLetter is an event parked for operator replay.
type DeadLetter struct {
	ID         string     `json:"id"`
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	Payload    []byte     `json:"-"`
	Reason     string     `json:"reason"`
	Detail     string     `json:"detail,omitempty"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Park stores a verified event payload for later replay. Parking the same event
// again reopens it with the new reason.
func (s *EventStore) Park(ctx context.Context, dl DeadLetter) (string, error) {
	if dl.ID == "" {
		dl.ID = ulid.Make().String()
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO dead_letters
		(id, event_id, event_type, payload, reason, detail, attempts, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(event_id) DO UPDATE SET
			reason = excluded.reason,
			detail = excluded.detail,
			attempts = excluded.attempts,
			resolved_at = NULL`,
		dl.ID, dl.EventID, dl.EventType, dl.Payload, dl.Reason, truncate(dl.Detail, 500), dl.Attempts, now.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("park event %s: %w", dl.EventID, err)
	}

	metrics.DeadLettersTotal.WithLabelValues(dl.Reason).Inc()
	log.Warn().
		Str("event_id", dl.EventID).
		Str("event_type", dl.EventType).
		Str("reason", dl.Reason).
		Int("attempts", dl.Attempts).
		Msg("Stripe event parked in dead letters")

	parked, err := s.deadLetterByEvent(ctx, dl.EventID)
	if err != nil {
		return "", err
	}
	return parked.ID, nil
}

// ListDeadLetters returns parked events, oldest first. Resolved entries are
// included only when includeResolved is set.
func (s *EventStore) ListDeadLetters(ctx context.Context, includeResolved bool) ([]DeadLetter, error) {
	query := `SELECT id, event_id, event_type, payload, reason, detail, attempts, created_at, resolved_at FROM dead_letters`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

// GetDeadLetter returns a parked event by ID.
func (s *EventStore) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, event_id, event_type, payload, reason, detail, attempts, created_at, resolved_at
		FROM dead_letters WHERE id = ?`, id)
	return scanDeadLetter(row)
}

func (s *EventStore) deadLetterByEvent(ctx context.Context, eventID string) (*DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, event_id, event_type, payload, reason, detail, attempts, created_at, resolved_at
		FROM dead_letters WHERE event_id = ?`, eventID)
	return scanDeadLetter(row)
}

// ResolveDeadLetter marks a parked event as handled.
func (s *EventStore) ResolveDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET resolved_at = ? WHERE id = ?`, s.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	var dl DeadLetter
	var createdAt int64
	var resolvedAt sql.NullInt64
	err := row.Scan(&dl.ID, &dl.EventID, &dl.EventType, &dl.Payload, &dl.Reason, &dl.Detail, &dl.Attempts, &createdAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	dl.CreatedAt = time.UnixMilli(createdAt).UTC()
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64).UTC()
		dl.ResolvedAt = &t
	}
	return &dl, nil
}
