// Package auditlog records every entitlement change made by the event
// ingestor, the ledger API, the trial sweeper and the admin CLI.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/receipt-entitlements/internal/sqlitedb"
)

// Outcome describes what happened to the entitlement.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeStale        Outcome = "stale"
	OutcomeUserNotFound Outcome = "user_not_found"
	OutcomeFailed       Outcome = "failed"
	OutcomeAdmin        Outcome = "admin"
)

// Well-known actors.
const (
	ActorStripe  = "stripe"
	ActorSystem  = "system"
	ActorSweeper = "trial_sweeper"
)

// Entry is a single audit record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	EventType string    `json:"event_type"`
	Actor     string    `json:"actor"`
	Outcome   Outcome   `json:"outcome"`
	Status    string    `json:"status,omitempty"`
	Credits   *int64    `json:"credits,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	UserID  string
	EventID string
	Outcome Outcome
	Limit   int
}

// Recorder is the write side used by components that change entitlements.
type Recorder interface {
	Record(ctx context.Context, entry Entry) (string, error)
}

// Store is the SQLite-backed audit log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (or creates) audit.db in dir.
func NewStore(dir string) (*Store, error) {
	db, err := sqlitedb.Open(dir, "audit.db")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id         TEXT PRIMARY KEY,
		ts         INTEGER NOT NULL,
		user_id    TEXT NOT NULL DEFAULT '',
		event_id   TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		actor      TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT '',
		credits    INTEGER,
		detail     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id, ts);
	CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_log(event_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends entry and returns its ID.
func (s *Store) Record(ctx context.Context, entry Entry) (string, error) {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	if strings.TrimSpace(entry.Actor) == "" {
		entry.Actor = ActorSystem
	}

	var credits any
	if entry.Credits != nil {
		credits = *entry.Credits
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_log
		(id, ts, user_id, event_id, event_type, actor, outcome, status, credits, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UnixMilli(), entry.UserID, entry.EventID, entry.EventType,
		entry.Actor, string(entry.Outcome), entry.Status, credits, entry.Detail,
	)
	if err != nil {
		return "", fmt.Errorf("record audit entry: %w", err)
	}

	log.Debug().
		Str("audit_id", entry.ID).
		Str("user_id", entry.UserID).
		Str("event_id", entry.EventID).
		Str("event_type", entry.EventType).
		Str("outcome", string(entry.Outcome)).
		Msg("Recorded audit entry")
	return entry.ID, nil
}

// List returns entries matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, f.EventID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}

	query := `SELECT id, ts, user_id, event_id, event_type, actor, outcome, status, credits, detail FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var outcome string
		var credits sql.NullInt64
		if err := rows.Scan(&e.ID, &ts, &e.UserID, &e.EventID, &e.EventType, &e.Actor, &outcome, &e.Status, &credits, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.Outcome = Outcome(outcome)
		if credits.Valid {
			c := credits.Int64
			e.Credits = &c
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordBestEffort writes entry and logs instead of failing. Audit writes
// never roll back an entitlement change that already committed.
func RecordBestEffort(ctx context.Context, rec Recorder, entry Entry) {
	if rec == nil {
		return
	}
	if _, err := rec.Record(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("user_id", entry.UserID).
			Str("event_id", entry.EventID).
			Str("event_type", entry.EventType).
			Msg("Failed to record audit entry")
	}
}

// Int64 returns a pointer to v for Entry.Credits.
func Int64(v int64) *int64 {
	return &v
}
