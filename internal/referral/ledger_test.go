package referral

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/auditlog"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
)

// failingUpdates fails Update for one user while failFor is set.
type failingUpdates struct {
	*entitlement.MemoryStore
	mu      sync.Mutex
	failFor string
}

func (s *failingUpdates) Update(ctx context.Context, e *entitlement.Entitlement) error {
	s.mu.Lock()
	fail := s.failFor != "" && s.failFor == e.UserID
	s.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return s.MemoryStore.Update(ctx, e)
}

func (s *failingUpdates) setFailFor(userID string) {
	s.mu.Lock()
	s.failFor = userID
	s.mu.Unlock()
}

type testEnv struct {
	ledger *Ledger
	store  *Store
	ents   *failingUpdates
	audit  *auditlog.Store
}

func newTestEnv(t *testing.T, users ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	audit, err := auditlog.NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	engine := accounting.NewEngine(accounting.DefaultPolicy())
	ents := &failingUpdates{MemoryStore: entitlement.NewMemoryStore()}
	for _, u := range users {
		require.NoError(t, ents.Create(context.Background(), engine.NewSignup(u, time.Now())))
	}
	return &testEnv{ledger: NewLedger(store, ents, engine, audit), store: store, ents: ents, audit: audit}
}

func (e *testEnv) credits(t *testing.T, userID string) int64 {
	t.Helper()
	ent, err := e.ents.Get(context.Background(), userID)
	require.NoError(t, err)
	return ent.CreditsRemaining
}

func TestCodeFor_StableAndUnique(t *testing.T) {
	env := newTestEnv(t, "u_REFERRER01", "u_REFERRER02")
	ctx := context.Background()

	c1, err := env.ledger.CodeFor(ctx, "u_REFERRER01")
	require.NoError(t, err)
	assert.Len(t, c1, codeLength)

	again, err := env.ledger.CodeFor(ctx, "u_REFERRER01")
	require.NoError(t, err)
	assert.Equal(t, c1, again)

	c2, err := env.ledger.CodeFor(ctx, "u_REFERRER02")
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)

	_, err = env.ledger.CodeFor(ctx, "u_NOBODY0001")
	assert.ErrorIs(t, err, internalerrors.ErrUserNotFound)
}

func TestRedeem_GrantsBothSidesOnce(t *testing.T) {
	env := newTestEnv(t, "u_REFERRER01", "u_REFEREE001")
	ctx := context.Background()
	code, err := env.ledger.CodeFor(ctx, "u_REFERRER01")
	require.NoError(t, err)

	res, err := env.ledger.Redeem(ctx, strings.ToLower(code), "u_REFEREE001")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(3), res.Bonus)
	assert.Equal(t, int64(6), env.credits(t, "u_REFERRER01"))
	assert.Equal(t, int64(6), env.credits(t, "u_REFEREE001"))

	// Replay of the same redemption.
	res, err = env.ledger.Redeem(ctx, code, "u_REFEREE001")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(6), env.credits(t, "u_REFERRER01"))
	assert.Equal(t, int64(6), env.credits(t, "u_REFEREE001"))

	stats, err := env.ledger.Stats(ctx, "u_REFERRER01")
	require.NoError(t, err)
	assert.Equal(t, code, stats.Code)
	assert.Equal(t, int64(1), stats.TotalReferrals)
	assert.Equal(t, int64(3), stats.TotalRewardsEarned)

	entries, err := env.audit.List(ctx, auditlog.Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRedeem_ConcurrentReplaysGrantOnce(t *testing.T) {
	env := newTestEnv(t, "u_REFERRER01", "u_REFEREE001")
	ctx := context.Background()
	code, err := env.ledger.CodeFor(ctx, "u_REFERRER01")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.ledger.Redeem(ctx, code, "u_REFEREE001")
		}()
	}
	wg.Wait()

	// Callers that hit the lease get a conflict; the final state is one grant.
	_, err = env.ledger.Redeem(ctx, code, "u_REFEREE001")
	require.NoError(t, err)
	assert.Equal(t, int64(6), env.credits(t, "u_REFERRER01"))
	assert.Equal(t, int64(6), env.credits(t, "u_REFEREE001"))

	stats, err := env.ledger.Stats(ctx, "u_REFERRER01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalReferrals)
}

func TestRedeem_PartialFailureRetryGrantsMissingSide(t *testing.T) {
	env := newTestEnv(t, "u_REFERRER01", "u_REFEREE001")
	ctx := context.Background()
	code, err := env.ledger.CodeFor(ctx, "u_REFERRER01")
	require.NoError(t, err)

	env.ents.setFailFor("u_REFEREE001")
	_, err = env.ledger.Redeem(ctx, code, "u_REFEREE001")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, internalerrors.HTTPStatus(err))
	assert.Equal(t, int64(6), env.credits(t, "u_REFERRER01"))
	assert.Equal(t, int64(3), env.credits(t, "u_REFEREE001"))

	reds, err := env.store.Redemptions(ctx, code)
	require.NoError(t, err)
	require.Len(t, reds, 1)
	assert.Equal(t, StatusPending, reds[0].Status)
	assert.True(t, reds[0].ReferrerCredited)
	assert.False(t, reds[0].RefereeCredited)

	env.ents.setFailFor("")
	res, err := env.ledger.Redeem(ctx, code, "u_REFEREE001")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(6), env.credits(t, "u_REFERRER01"), "referrer is not granted twice")
	assert.Equal(t, int64(6), env.credits(t, "u_REFEREE001"))

	stats, err := env.ledger.Stats(ctx, "u_REFERRER01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalReferrals)
}

func TestRedeem_Rejections(t *testing.T) {
	env := newTestEnv(t, "u_REFERRER01", "u_REFEREE001")
	ctx := context.Background()
	code, err := env.ledger.CodeFor(ctx, "u_REFERRER01")
	require.NoError(t, err)

	tests := []struct {
		name    string
		code    string
		referee string
		wantErr error
		status  int
	}{
		{"unknown code", "ZZZZZZZZ", "u_REFEREE001", ErrInvalidCode, http.StatusBadRequest},
		{"malformed code", "abc", "u_REFEREE001", ErrInvalidCode, http.StatusBadRequest},
		{"self referral", code, "u_REFERRER01", ErrSelfReferral, http.StatusBadRequest},
		{"unknown referee", code, "u_NOBODY0001", internalerrors.ErrUserNotFound, http.StatusNotFound},
		{"bad referee id", code, "u x", internalerrors.ErrInvalidInput, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ledger.Redeem(ctx, tt.code, tt.referee)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.status, internalerrors.HTTPStatus(err))
		})
	}
	assert.Equal(t, int64(3), env.credits(t, "u_REFERRER01"))
}

func TestRedeem_RefereeBonusOnceAcrossCodes(t *testing.T) {
	env := newTestEnv(t, "u_REFERRER01", "u_REFERRER02", "u_REFERRER03", "u_REFEREE001")
	ctx := context.Background()

	var codes []string
	for _, owner := range []string{"u_REFERRER01", "u_REFERRER02", "u_REFERRER03"} {
		code, err := env.ledger.CodeFor(ctx, owner)
		require.NoError(t, err)
		codes = append(codes, code)
	}

	res, err := env.ledger.Redeem(ctx, codes[0], "u_REFEREE001")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	for _, code := range codes[1:] {
		_, err := env.ledger.Redeem(ctx, code, "u_REFEREE001")
		assert.ErrorIs(t, err, ErrAlreadyReferred)
		assert.Equal(t, http.StatusConflict, internalerrors.HTTPStatus(err))
	}

	// The original pair still replays as a duplicate.
	res, err = env.ledger.Redeem(ctx, codes[0], "u_REFEREE001")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	assert.Equal(t, int64(6), env.credits(t, "u_REFEREE001"))
	assert.Equal(t, int64(6), env.credits(t, "u_REFERRER01"))
	assert.Equal(t, int64(3), env.credits(t, "u_REFERRER02"))
	assert.Equal(t, int64(3), env.credits(t, "u_REFERRER03"))

	for _, owner := range []string{"u_REFERRER02", "u_REFERRER03"} {
		stats, err := env.ledger.Stats(ctx, owner)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalReferrals, owner)
	}
}

func TestRedeem_PendingRedemptionBindsReferee(t *testing.T) {
	env := newTestEnv(t, "u_REFERRER01", "u_REFERRER02", "u_REFEREE001")
	ctx := context.Background()
	first, err := env.ledger.CodeFor(ctx, "u_REFERRER01")
	require.NoError(t, err)
	second, err := env.ledger.CodeFor(ctx, "u_REFERRER02")
	require.NoError(t, err)

	env.ents.setFailFor("u_REFEREE001")
	_, err = env.ledger.Redeem(ctx, first, "u_REFEREE001")
	require.Error(t, err)
	env.ents.setFailFor("")

	_, err = env.ledger.Redeem(ctx, second, "u_REFEREE001")
	assert.ErrorIs(t, err, ErrAlreadyReferred)
	assert.Equal(t, int64(3), env.credits(t, "u_REFERRER02"))

	res, err := env.ledger.Redeem(ctx, first, "u_REFEREE001")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(6), env.credits(t, "u_REFEREE001"))
}

func TestStore_RefereeUniqueIndex(t *testing.T) {
	env := newTestEnv(t, "u_REFERRER01", "u_REFERRER02")
	ctx := context.Background()
	require.NoError(t, env.store.InsertCode(ctx, "AAAAAAAA", "u_REFERRER01"))
	require.NoError(t, env.store.InsertCode(ctx, "BBBBBBBB", "u_REFERRER02"))

	_, err := env.store.Claim(ctx, "AAAAAAAA", "u_REFEREE001")
	require.NoError(t, err)

	_, err = env.store.db.ExecContext(ctx, `INSERT INTO referral_redemptions (code, referee_id, status, created_at)
		VALUES ('BBBBBBBB', 'u_REFEREE001', 'pending', 0)`)
	assert.Error(t, err, "a referee can appear in only one redemption")

	_, err = env.store.Claim(ctx, "BBBBBBBB", "u_REFEREE001")
	assert.ErrorIs(t, err, ErrAlreadyReferred)
}

func TestRedeem_UnlimitedSideKeepsSentinel(t *testing.T) {
	env := newTestEnv(t, "u_REFEREE001")
	ctx := context.Background()
	require.NoError(t, env.ents.Create(ctx, &entitlement.Entitlement{
		UserID: "u_FOUNDER001", Status: entitlement.TierFounder, CreditsRemaining: entitlement.UnlimitedCredits,
	}))
	code, err := env.ledger.CodeFor(ctx, "u_FOUNDER001")
	require.NoError(t, err)

	_, err = env.ledger.Redeem(ctx, code, "u_REFEREE001")
	require.NoError(t, err)
	assert.Equal(t, entitlement.UnlimitedCredits, env.credits(t, "u_FOUNDER001"))
	assert.Equal(t, int64(6), env.credits(t, "u_REFEREE001"))
}

func TestHandlers(t *testing.T) {
	env := newTestEnv(t, "u_REFERRER01", "u_REFERRER02", "u_REFEREE001")
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/referrals/redeem", HandleRedeem(env.ledger))
	mux.HandleFunc("GET /api/referrals/{user_id}", HandleStats(env.ledger))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/referrals/u_REFERRER01", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Len(t, stats.Code, codeLength)
	assert.Zero(t, stats.TotalReferrals)

	redeem := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/referrals/redeem", strings.NewReader(body)))
		return rec
	}

	rec = redeem(`{"code":"` + stats.Code + `","refereeId":"u_REFEREE001"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Duplicate)

	rec = redeem(`{"code":"` + stats.Code + `","refereeId":"u_REFEREE001"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Duplicate)

	rec = redeem(`{"code":"NOPE0000","refereeId":"u_REFEREE001"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid referral code")

	rec = redeem(`{"code":"` + stats.Code + `","refereeId":"u_REFERRER01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "own referral code")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/referrals/u_REFERRER02", nil))
	var other Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &other))
	rec = redeem(`{"code":"` + other.Code + `","refereeId":"u_REFEREE001"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already claimed")

	rec = redeem(`{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/referrals/u_NOBODY0001", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/referrals/u_REFERRER01", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalReferrals)
}
