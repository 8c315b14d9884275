package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	"github.com/rcourtman/receipt-entitlements/internal/metrics"
	"github.com/rcourtman/receipt-entitlements/internal/usagegate"
)

func TestUpdateStatusGauges(t *testing.T) {
	store := entitlement.NewMemoryStore()
	ctx := context.Background()
	for _, e := range []*entitlement.Entitlement{
		{UserID: "u_FREE000001", Status: entitlement.TierFree, CreditsRemaining: 1},
		{UserID: "u_FREE000002", Status: entitlement.TierFree, CreditsRemaining: 0},
		{UserID: "u_PREM000001", Status: entitlement.TierPremium, CreditsRemaining: entitlement.UnlimitedCredits},
	} {
		require.NoError(t, store.Create(ctx, e))
	}

	updateStatusGauges(ctx, store)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.UsersByStatus.WithLabelValues("free")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UsersByStatus.WithLabelValues("premium")))
	// Known statuses are always exported, even at zero.
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.UsersByStatus.WithLabelValues("founder")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.UsersByStatus.WithLabelValues("trial")))
}

func TestRunStatusMetrics_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runStatusMetrics(ctx, entitlement.NewMemoryStore())
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("status metrics loop did not stop")
	}
}

type fakePurger struct {
	calls int
	err   error
}

func (f *fakePurger) PurgeExpired(context.Context) (int64, error) {
	f.calls++
	return 2, f.err
}

func TestHousekeep(t *testing.T) {
	rl := NewRateLimiter("test", 5, time.Minute, nil)
	rl.attempts["192.0.2.9"] = []time.Time{time.Now().Add(-time.Hour)}
	purger := &fakePurger{}

	housekeep(context.Background(), purger, []*RateLimiter{rl})
	assert.Equal(t, 1, purger.calls)
	assert.Empty(t, rl.attempts)

	// Purge failures are logged, not fatal.
	purger.err = errors.New("locked")
	housekeep(context.Background(), purger, nil)
	assert.Equal(t, 2, purger.calls)

	housekeep(context.Background(), nil, nil)
}

func TestSQLiteCountersSatisfyPurger(t *testing.T) {
	counters, err := usagegate.NewSQLiteCounters(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = counters.Close() })

	var store usagegate.CounterStore = counters
	_, ok := store.(counterPurger)
	assert.True(t, ok)
}
