package referral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/receipt-entitlements/internal/sqlitedb"
)

// Redemption states.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
)

// Sides of a redemption that receive the bonus.
const (
	SideReferrer = "referrer"
	SideReferee  = "referee"
)

const defaultClaimTTL = 2 * time.Minute

var (
	errCodeTaken  = errors.New("referral code already taken")
	errOwnerTaken = errors.New("owner already has a referral code")
)

// Code is a referral code with its running totals.
type Code struct {
	Code               string    `json:"code"`
	OwnerUserID        string    `json:"ownerUserId"`
	TotalReferrals     int64     `json:"totalReferrals"`
	TotalRewardsEarned int64     `json:"totalRewardsEarned"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Redemption is one (code, referee) pair.
type Redemption struct {
	Code             string     `json:"code"`
	RefereeID        string     `json:"refereeId"`
	Status           string     `json:"status"`
	ReferrerCredited bool       `json:"referrerCredited"`
	RefereeCredited  bool       `json:"refereeCredited"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// Store persists referral codes and redemptions in referral.db.
type Store struct {
	db       *sql.DB
	claimTTL time.Duration
	now      func() time.Time
}

// NewStore opens (or creates) referral.db in dir.
func NewStore(dir string) (*Store, error) {
	db, err := sqlitedb.Open(dir, "referral.db")
	if err != nil {
		return nil, fmt.Errorf("open referral db: %w", err)
	}
	s := &Store{db: db, claimTTL: defaultClaimTTL, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS referral_codes (
		code                 TEXT PRIMARY KEY,
		owner_user_id        TEXT NOT NULL UNIQUE,
		total_referrals      INTEGER NOT NULL DEFAULT 0,
		total_rewards_earned INTEGER NOT NULL DEFAULT 0,
		created_at           INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS referral_redemptions (
		code              TEXT NOT NULL REFERENCES referral_codes(code),
		referee_id        TEXT NOT NULL,
		status            TEXT NOT NULL,
		referrer_credited INTEGER NOT NULL DEFAULT 0,
		referee_credited  INTEGER NOT NULL DEFAULT 0,
		claimed_until     INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL,
		completed_at      INTEGER,
		PRIMARY KEY (code, referee_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_referral_redemptions_referee ON referral_redemptions(referee_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init referral schema: %w", err)
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

// CodeByOwner returns the owner's code, or sql.ErrNoRows.
func (s *Store) CodeByOwner(ctx context.Context, ownerUserID string) (*Code, error) {
	return s.scanCode(s.db.QueryRowContext(ctx, `SELECT code, owner_user_id, total_referrals, total_rewards_earned, created_at
		FROM referral_codes WHERE owner_user_id = ?`, ownerUserID))
}

// CodeByValue returns the code row, or sql.ErrNoRows.
func (s *Store) CodeByValue(ctx context.Context, code string) (*Code, error) {
	return s.scanCode(s.db.QueryRowContext(ctx, `SELECT code, owner_user_id, total_referrals, total_rewards_earned, created_at
		FROM referral_codes WHERE code = ?`, code))
}

func (s *Store) scanCode(row *sql.Row) (*Code, error) {
	var c Code
	var createdAt int64
	if err := row.Scan(&c.Code, &c.OwnerUserID, &c.TotalReferrals, &c.TotalRewardsEarned, &createdAt); err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &c, nil
}

// InsertCode stores a new code. It returns errCodeTaken or errOwnerTaken on
// the respective unique collisions.
func (s *Store) InsertCode(ctx context.Context, code, ownerUserID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO referral_codes (code, owner_user_id, created_at) VALUES (?, ?, ?)`,
		code, ownerUserID, s.now().UTC().UnixMilli())
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint") && strings.Contains(msg, "owner_user_id"):
		return errOwnerTaken
	case strings.Contains(msg, "unique constraint"):
		return errCodeTaken
	default:
		return fmt.Errorf("insert referral code: %w", err)
	}
}

// Claim creates the redemption row if needed and takes a short lease on it.
// A complete redemption is returned without a lease; a redemption leased by
// another caller yields ErrRedemptionInFlight. A referee already bound to a
// different code yields ErrAlreadyReferred.
func (s *Store) Claim(ctx context.Context, code, refereeID string) (*Redemption, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var boundCode string
	err = tx.QueryRowContext(ctx, `SELECT code FROM referral_redemptions WHERE referee_id = ?`, refereeID).Scan(&boundCode)
	switch {
	case err == nil && boundCode != code:
		return nil, ErrAlreadyReferred
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("read referee redemption: %w", err)
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `INSERT INTO referral_redemptions (code, referee_id, status, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (code, referee_id) DO NOTHING`,
		code, refereeID, StatusPending, now.UnixMilli())
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "unique constraint") && strings.Contains(msg, "referee_id") {
			return nil, ErrAlreadyReferred
		}
		return nil, fmt.Errorf("insert redemption: %w", err)
	}

	var claimedUntil int64
	red, err := scanRedemption(tx.QueryRowContext(ctx, `SELECT code, referee_id, status, referrer_credited, referee_credited,
		created_at, completed_at, claimed_until FROM referral_redemptions WHERE code = ? AND referee_id = ?`,
		code, refereeID), &claimedUntil)
	if err != nil {
		return nil, fmt.Errorf("read redemption: %w", err)
	}
	if red.Status == StatusComplete {
		return red, nil
	}
	if claimedUntil > now.UnixMilli() {
		return nil, ErrRedemptionInFlight
	}

	if _, err := tx.ExecContext(ctx, `UPDATE referral_redemptions SET claimed_until = ? WHERE code = ? AND referee_id = ?`,
		now.Add(s.claimTTL).UnixMilli(), code, refereeID); err != nil {
		return nil, fmt.Errorf("claim redemption: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return red, nil
}

// MarkCredited records that side has received its bonus.
func (s *Store) MarkCredited(ctx context.Context, code, refereeID, side string) error {
	var column string
	switch side {
	case SideReferrer:
		column = "referrer_credited"
	case SideReferee:
		column = "referee_credited"
	default:
		return fmt.Errorf("unknown redemption side %q", side)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE referral_redemptions SET `+column+` = 1 WHERE code = ? AND referee_id = ?`,
		code, refereeID)
	if err != nil {
		return fmt.Errorf("mark %s credited: %w", side, err)
	}
	return nil
}

// Complete moves a pending redemption to complete and bumps the code totals in
// the same transaction. It reports false if the redemption was already complete.
func (s *Store) Complete(ctx context.Context, code, refereeID string, reward int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin complete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE referral_redemptions
		SET status = ?, completed_at = ?, claimed_until = 0
		WHERE code = ? AND referee_id = ? AND status = ?`,
		StatusComplete, s.now().UTC().UnixMilli(), code, refereeID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("complete redemption: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE referral_codes
		SET total_referrals = total_referrals + 1, total_rewards_earned = total_rewards_earned + ?
		WHERE code = ?`, reward, code); err != nil {
		return false, fmt.Errorf("update referral totals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete: %w", err)
	}
	return true, nil
}

// Release drops the lease so a retry can proceed immediately.
func (s *Store) Release(ctx context.Context, code, refereeID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE referral_redemptions SET claimed_until = 0 WHERE code = ? AND referee_id = ?`,
		code, refereeID)
	return err
}

// Redemptions lists the redemptions of code, oldest first.
func (s *Store) Redemptions(ctx context.Context, code string) ([]Redemption, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, referee_id, status, referrer_credited, referee_credited,
		created_at, completed_at, claimed_until FROM referral_redemptions WHERE code = ? ORDER BY created_at, referee_id`, code)
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	defer rows.Close()

	var out []Redemption
	for rows.Next() {
		var claimedUntil int64
		red, err := scanRedemption(rows, &claimedUntil)
		if err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		out = append(out, *red)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRedemption(row rowScanner, claimedUntil *int64) (*Redemption, error) {
	var r Redemption
	var referrerCredited, refereeCredited int
	var createdAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&r.Code, &r.RefereeID, &r.Status, &referrerCredited, &refereeCredited,
		&createdAt, &completedAt, claimedUntil); err != nil {
		return nil, err
	}
	r.ReferrerCredited = referrerCredited != 0
	r.RefereeCredited = refereeCredited != 0
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		r.CompletedAt = &t
	}
	return &r, nil
}
