package usagegate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rcourtman/receipt-entitlements/internal/sqlitedb"
)

// SQLiteCounters persists counters in counters.db.
type SQLiteCounters struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCounters opens (or creates) counters.db in dir.
func NewSQLiteCounters(dir string) (*SQLiteCounters, error) {
	db, err := sqlitedb.Open(dir, "counters.db")
	if err != nil {
		return nil, fmt.Errorf("open counter db: %w", err)
	}
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_counters (
		key        TEXT PRIMARY KEY,
		count      INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_counters_expiry ON usage_counters(expires_at);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init counter schema: %w", err)
	}
	return &SQLiteCounters{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *SQLiteCounters) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteCounters) Incr(ctx context.Context, key string, limit int64, window time.Duration) (int64, bool, error) {
	now := s.now().UnixMilli()
	var expiresAt int64
	if window > 0 {
		expiresAt = now + window.Milliseconds()
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO usage_counters (key, count, expires_at) VALUES (?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN usage_counters.expires_at > 0 AND usage_counters.expires_at <= ? THEN 1 ELSE usage_counters.count + 1 END,
			expires_at = CASE WHEN usage_counters.expires_at > 0 AND usage_counters.expires_at <= ? THEN excluded.expires_at ELSE usage_counters.expires_at END
		RETURNING count`,
		key, expiresAt, now, now,
	).Scan(&count)
	if err != nil {
		return 0, false, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return count, count <= limit, nil
}

// PurgeExpired deletes expired counters and returns how many were removed.
func (s *SQLiteCounters) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_counters WHERE expires_at > 0 AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired counters: %w", err)
	}
	return res.RowsAffected()
}
