package usagegate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
)

var testNow = time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)

type brokenCounters struct{}

func (brokenCounters) Incr(context.Context, string, int64, time.Duration) (int64, bool, error) {
	return 0, false, errors.New("counter storage offline")
}

// unavailableStore fails every read.
type unavailableStore struct {
	*entitlement.MemoryStore
	block bool
}

func (s unavailableStore) Get(ctx context.Context, _ string) (*entitlement.Entitlement, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, errors.New("dial tcp: connection refused")
}

func newTestGate(t *testing.T, store entitlement.Store, counters CounterStore, cfg Config) *Gate {
	t.Helper()
	g := New(store, accounting.NewEngine(accounting.DefaultPolicy()), counters, cfg)
	g.now = func() time.Time { return testNow }
	return g
}

func signup(t *testing.T, store entitlement.Store, userID string, createdAt time.Time) {
	t.Helper()
	e := accounting.NewEngine(accounting.DefaultPolicy()).NewSignup(userID, createdAt)
	require.NoError(t, store.Create(context.Background(), e))
}

func TestCheck_StarterAllowanceExactness(t *testing.T) {
	store := entitlement.NewMemoryStore()
	signup(t, store, "u_NEWUSER001", testNow.Add(-time.Hour))
	g := newTestGate(t, store, NewMemoryCounters(), DefaultConfig())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := g.Check(ctx, Request{UserID: "u_NEWUSER001", Action: ActionReceipt})
		require.NoError(t, err)
		require.True(t, d.Allowed, "use %d", i)
		assert.Equal(t, SourceLedger, d.Source)
		assert.Equal(t, int64(3-i), d.Remaining)
	}

	d, err := g.Check(ctx, Request{UserID: "u_NEWUSER001", Action: ActionReceipt})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, accounting.ReasonStarterExhausted, d.Reason)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC), d.ResetAt)

	// Next day the daily floor applies once.
	g.now = func() time.Time { return testNow.Add(24 * time.Hour) }
	d, err = g.Check(ctx, Request{UserID: "u_NEWUSER001", Action: ActionReceipt})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = g.Check(ctx, Request{UserID: "u_NEWUSER001", Action: ActionReceipt})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, accounting.ReasonDailyLimitReached, d.Reason)
}

func TestCheck_UnlimitedAndTrial(t *testing.T) {
	store := entitlement.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &entitlement.Entitlement{UserID: "u_PREMIUM001", Status: entitlement.TierPremium, CreditsRemaining: -1}))
	start, end := testNow.Add(-time.Hour), testNow.Add(time.Hour)
	require.NoError(t, store.Create(ctx, &entitlement.Entitlement{UserID: "u_TRIAL00001", Status: entitlement.TierTrial, TrialStart: &start, TrialEnd: &end}))

	g := newTestGate(t, store, NewMemoryCounters(), DefaultConfig())
	for i := 0; i < 10; i++ {
		d, err := g.Check(ctx, Request{UserID: "u_PREMIUM001", Action: ActionReceipt})
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, int64(-1), d.Remaining)

		d, err = g.Check(ctx, Request{UserID: "u_TRIAL00001", Action: ActionReceipt})
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, ReasonTrial, d.Reason)
	}

	premium, err := store.Get(ctx, "u_PREMIUM001")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), premium.CreditsRemaining)
	assert.Equal(t, int64(1), premium.Version, "unlimited checks never write")
}

func TestCheck_UnknownUser(t *testing.T) {
	g := newTestGate(t, entitlement.NewMemoryStore(), NewMemoryCounters(), DefaultConfig())
	_, err := g.Check(context.Background(), Request{UserID: "u_NOBODY0001", Action: ActionReceipt})
	assert.ErrorIs(t, err, internalerrors.ErrUserNotFound)
	assert.Equal(t, 404, internalerrors.HTTPStatus(err))
}

func TestCheck_InvalidRequests(t *testing.T) {
	g := newTestGate(t, entitlement.NewMemoryStore(), NewMemoryCounters(), DefaultConfig())
	_, err := g.Check(context.Background(), Request{UserID: "u_X", Action: "video"})
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)

	_, err = g.Check(context.Background(), Request{Action: ActionChat})
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)
}

func TestCheck_FallbackCountersAnonymousReceipts(t *testing.T) {
	g := newTestGate(t, nil, NewMemoryCounters(), DefaultConfig())
	ctx := context.Background()
	req := Request{DeviceID: "dev-1", Action: ActionReceipt}

	for i := 0; i < 4; i++ {
		d, err := g.Check(ctx, req)
		require.NoError(t, err)
		require.True(t, d.Allowed, "use %d (3 starter + 1 daily)", i+1)
		assert.Equal(t, SourceFallback, d.Source)
	}
	d, err := g.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, accounting.ReasonStarterExhausted, d.Reason, "starter ran out today")

	// Next day only the daily cap refills; starter never resets.
	g.now = func() time.Time { return testNow.Add(24 * time.Hour) }
	d, err = g.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = g.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, accounting.ReasonDailyLimitReached, d.Reason)
}

func TestCheck_FallbackStarterExhaustedReason(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(g *Gate, req Request)
		want    string
	}{
		{
			name:    "starter and daily spent the same day",
			prepare: func(*Gate, Request) {},
			want:    accounting.ReasonStarterExhausted,
		},
		{
			name: "starter spent on an earlier day",
			prepare: func(g *Gate, req Request) {
				g.now = func() time.Time { return testNow.Add(-24 * time.Hour) }
				for i := 0; i < 4; i++ {
					_, _ = g.Check(context.Background(), req)
				}
				g.now = func() time.Time { return testNow }
			},
			want: accounting.ReasonDailyLimitReached,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGate(t, nil, NewMemoryCounters(), DefaultConfig())
			req := Request{DeviceID: "dev-starter", Action: ActionReceipt}
			tt.prepare(g, req)

			var d Decision
			var err error
			for i := 0; i < 10; i++ {
				d, err = g.Check(context.Background(), req)
				require.NoError(t, err)
				if !d.Allowed {
					break
				}
			}
			require.False(t, d.Allowed)
			assert.Equal(t, tt.want, d.Reason)
		})
	}
}

func TestCheck_CountersAreIsolated(t *testing.T) {
	g := newTestGate(t, nil, NewMemoryCounters(), DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := g.Check(ctx, Request{DeviceID: "dev-2", Action: ActionChat})
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := g.Check(ctx, Request{DeviceID: "dev-2", Action: ActionChat})
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Exhausted chat does not affect receipts, and another device is independent.
	d, err = g.Check(ctx, Request{DeviceID: "dev-2", Action: ActionReceipt})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonStarter, d.Reason)

	d, err = g.Check(ctx, Request{DeviceID: "dev-3", Action: ActionChat})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheck_ChatForKnownUserUsesCounters(t *testing.T) {
	store := entitlement.NewMemoryStore()
	signup(t, store, "u_CHATTER001", testNow.AddDate(0, 0, -3))
	g := newTestGate(t, store, NewMemoryCounters(), DefaultConfig())

	d, err := g.Check(context.Background(), Request{UserID: "u_CHATTER001", Action: ActionChat})
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, d.Source)

	e, err := store.Get(context.Background(), "u_CHATTER001")
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.CreditsRemaining, "chat never spends ledger credits")
}

func TestCheck_StoreUnavailableFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		store unavailableStore
	}{
		{"error", unavailableStore{MemoryStore: entitlement.NewMemoryStore()}},
		{"timeout", unavailableStore{MemoryStore: entitlement.NewMemoryStore(), block: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.StoreTimeout = 20 * time.Millisecond
			g := newTestGate(t, tt.store, NewMemoryCounters(), cfg)

			d, err := g.Check(context.Background(), Request{UserID: "u_OFFLINE001", Action: ActionReceipt})
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, SourceFallback, d.Source)
		})
	}
}

func TestCheck_CounterFailurePolicy(t *testing.T) {
	t.Run("fail open", func(t *testing.T) {
		g := newTestGate(t, nil, brokenCounters{}, DefaultConfig())
		d, err := g.Check(context.Background(), Request{DeviceID: "dev-4", Action: ActionChat})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, ReasonQuotaUnavailable, d.Reason)
	})

	t.Run("strict", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.StrictQuota = true
		g := newTestGate(t, nil, brokenCounters{}, cfg)
		d, err := g.Check(context.Background(), Request{DeviceID: "dev-4", Action: ActionReceipt})
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonQuotaUnavailable, d.Reason)
	})
}

func TestCheck_CancelledContext(t *testing.T) {
	g := newTestGate(t, unavailableStore{MemoryStore: entitlement.NewMemoryStore(), block: true}, NewMemoryCounters(), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Check(ctx, Request{UserID: "u_CANCEL0001", Action: ActionReceipt})
	assert.ErrorIs(t, err, context.Canceled)
}
