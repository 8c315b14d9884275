package entitlement

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("PG_URL")
	if url == "" {
		t.Skip("PG_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, _ = pool.Exec(ctx, `DROP TABLE IF EXISTS entitlements`)
	s, err := NewPostgresStoreFromPool(ctx, pool)
	require.NoError(t, err)
	return s
}

func TestPostgresStore_Contract(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	e := &Entitlement{UserID: "u_PGTEST0001", Status: TierFree, CreditsRemaining: 3, PaymentCustomerRef: "cus_pg"}
	require.NoError(t, s.Create(ctx, e))
	assert.ErrorIs(t, s.Create(ctx, &Entitlement{UserID: e.UserID, Status: TierFree}), ErrAlreadyExists)

	got, err := s.GetByCustomerRef(ctx, "cus_pg")
	require.NoError(t, err)
	assert.Equal(t, e.UserID, got.UserID)

	stale := got.Clone()
	got.CreditsRemaining = 2
	require.NoError(t, s.Update(ctx, got))
	stale.CreditsRemaining = 1
	assert.ErrorIs(t, s.Update(ctx, stale), ErrConflict)

	_, err = s.Get(ctx, "u_PGMISSING1")
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := Mutate(ctx, s, e.UserID, func(e *Entitlement) error {
		e.Status = TierPremium
		e.CreditsRemaining = UnlimitedCredits
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[TierPremium])
}
