package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// PostgresStore is a Store backed by PostgreSQL through pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool (used by integration tests).
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entitlements (
			user_id                  TEXT        PRIMARY KEY,
			status                   TEXT        NOT NULL DEFAULT 'free',
			credits_remaining        BIGINT      NOT NULL DEFAULT 0 CHECK (credits_remaining >= -1),
			last_free_reset_date     TEXT        NOT NULL DEFAULT '',
			trial_start              TIMESTAMPTZ,
			trial_end                TIMESTAMPTZ,
			payment_customer_ref     TEXT        NOT NULL DEFAULT '',
			payment_subscription_ref TEXT        NOT NULL DEFAULT '',
			payment_price_ref        TEXT        NOT NULL DEFAULT '',
			subscription_event_at    BIGINT      NOT NULL DEFAULT 0,
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			version                  BIGINT      NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_entitlements_status ON entitlements(status);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_entitlements_customer_ref
			ON entitlements(payment_customer_ref) WHERE payment_customer_ref <> '';
	`)
	if err != nil {
		return fmt.Errorf("create entitlements table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, e *Entitlement) error {
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

	_, err := s.pool.Exec(ctx, `INSERT INTO entitlements (`+entitlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.UserID, string(e.Status), e.CreditsRemaining, e.LastFreeResetDate,
		e.TrialStart, e.TrialEnd,
		e.PaymentCustomerRef, e.PaymentSubscriptionRef, e.PaymentPriceRef,
		e.SubscriptionEventAt, e.CreatedAt, e.UpdatedAt, e.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create entitlement: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Entitlement, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1`, userID)
	return scanPGEntitlement(row)
}

func (s *PostgresStore) GetByCustomerRef(ctx context.Context, customerRef string) (*Entitlement, error) {
	if strings.TrimSpace(customerRef) == "" {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE payment_customer_ref = $1`, customerRef)
	return scanPGEntitlement(row)
}

func (s *PostgresStore) Update(ctx context.Context, e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	now := s.now().UTC()

	tag, err := s.pool.Exec(ctx, `UPDATE entitlements SET
		status = $1, credits_remaining = $2, last_free_reset_date = $3,
		trial_start = $4, trial_end = $5,
		payment_customer_ref = $6, payment_subscription_ref = $7, payment_price_ref = $8,
		subscription_event_at = $9, updated_at = $10, version = version + 1
		WHERE user_id = $11 AND version = $12`,
		string(e.Status), e.CreditsRemaining, e.LastFreeResetDate,
		e.TrialStart, e.TrialEnd,
		e.PaymentCustomerRef, e.PaymentSubscriptionRef, e.PaymentPriceRef,
		e.SubscriptionEventAt, now,
		e.UserID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM entitlements WHERE user_id = $1`, e.UserID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) ListByStatus(ctx context.Context, status Tier) ([]*Entitlement, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list entitlements by status: %w", err)
	}
	defer rows.Close()

	var out []*Entitlement
	for rows.Next() {
		e, err := scanPGEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Tier]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM entitlements GROUP BY status`)
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

func scanPGEntitlement(row pgx.Row) (*Entitlement, error) {
	var e Entitlement
	var status string
	err := row.Scan(
		&e.UserID, &status, &e.CreditsRemaining, &e.LastFreeResetDate,
		&e.TrialStart, &e.TrialEnd,
		&e.PaymentCustomerRef, &e.PaymentSubscriptionRef, &e.PaymentPriceRef,
		&e.SubscriptionEventAt, &e.CreatedAt, &e.UpdatedAt, &e.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}
	e.Status = Tier(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}
