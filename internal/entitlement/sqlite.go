package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/receipt-entitlements/internal/sqlitedb"
)

// SQLiteStore is the default Store, backed by a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const entitlementColumns = `
	user_id, status, credits_remaining, last_free_reset_date,
	trial_start, trial_end,
	payment_customer_ref, payment_subscription_ref, payment_price_ref,
	subscription_event_at, created_at, updated_at, version`

// NewSQLiteStore opens (or creates) the entitlement database in dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(dir, "entitlements.db")
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		user_id                  TEXT PRIMARY KEY,
		status                   TEXT NOT NULL DEFAULT 'free',
		credits_remaining        INTEGER NOT NULL DEFAULT 0 CHECK (credits_remaining >= -1),
		last_free_reset_date     TEXT NOT NULL DEFAULT '',
		trial_start              INTEGER,
		trial_end                INTEGER,
		payment_customer_ref     TEXT NOT NULL DEFAULT '',
		payment_subscription_ref TEXT NOT NULL DEFAULT '',
		payment_price_ref        TEXT NOT NULL DEFAULT '',
		subscription_event_at    INTEGER NOT NULL DEFAULT 0,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL,
		version                  INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_status ON entitlements(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entitlements_customer_ref
		ON entitlements(payment_customer_ref) WHERE payment_customer_ref != '';
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new entitlement record with Version 1.
func (s *SQLiteStore) Create(ctx context.Context, e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Version = 1

	_, err := s.db.ExecContext(ctx, `INSERT INTO entitlements (`+entitlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, string(e.Status), e.CreditsRemaining, e.LastFreeResetDate,
		nullableTimeUnix(e.TrialStart), nullableTimeUnix(e.TrialEnd),
		e.PaymentCustomerRef, e.PaymentSubscriptionRef, e.PaymentPriceRef,
		e.SubscriptionEventAt, e.CreatedAt.Unix(), e.UpdatedAt.Unix(), e.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create entitlement: %w", err)
	}
	return nil
}

// Get retrieves an entitlement by user ID.
func (s *SQLiteStore) Get(ctx context.Context, userID string) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = ?`, userID)
	return scanEntitlement(row)
}

// GetByCustomerRef retrieves an entitlement by payment customer reference.
func (s *SQLiteStore) GetByCustomerRef(ctx context.Context, customerRef string) (*Entitlement, error) {
	if strings.TrimSpace(customerRef) == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE payment_customer_ref = ?`, customerRef)
	return scanEntitlement(row)
}

// Update writes e if the stored version still equals e.Version.
func (s *SQLiteStore) Update(ctx context.Context, e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx, `UPDATE entitlements SET
		status = ?, credits_remaining = ?, last_free_reset_date = ?,
		trial_start = ?, trial_end = ?,
		payment_customer_ref = ?, payment_subscription_ref = ?, payment_price_ref = ?,
		subscription_event_at = ?, updated_at = ?, version = version + 1
		WHERE user_id = ? AND version = ?`,
		string(e.Status), e.CreditsRemaining, e.LastFreeResetDate,
		nullableTimeUnix(e.TrialStart), nullableTimeUnix(e.TrialEnd),
		e.PaymentCustomerRef, e.PaymentSubscriptionRef, e.PaymentPriceRef,
		e.SubscriptionEventAt, now.Unix(),
		e.UserID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entitlement rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM entitlements WHERE user_id = ?`, e.UserID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update entitlement existence check: %w", err)
		}
		return ErrConflict
	}
	e.Version++
	e.UpdatedAt = now
	return nil
}

// ListByStatus returns all entitlements with the given status.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Tier) ([]*Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list entitlements by status: %w", err)
	}
	defer rows.Close()
	return scanEntitlements(rows)
}

// CountByStatus returns the number of entitlements per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Tier]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM entitlements GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count entitlements by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Tier]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Tier(status)] = count
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(s scanner) (*Entitlement, error) {
	var e Entitlement
	var status string
	var trialStart, trialEnd sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&e.UserID, &status, &e.CreditsRemaining, &e.LastFreeResetDate,
		&trialStart, &trialEnd,
		&e.PaymentCustomerRef, &e.PaymentSubscriptionRef, &e.PaymentPriceRef,
		&e.SubscriptionEventAt, &createdAt, &updatedAt, &e.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	e.Status = Tier(status)
	e.TrialStart = timeFromNullUnix(trialStart)
	e.TrialEnd = timeFromNullUnix(trialEnd)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}

func scanEntitlements(rows *sql.Rows) ([]*Entitlement, error) {
	var out []*Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
