package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	"github.com/rcourtman/receipt-entitlements/internal/ingest"
	"github.com/rcourtman/receipt-entitlements/internal/ledger"
	"github.com/rcourtman/receipt-entitlements/internal/referral"
	"github.com/rcourtman/receipt-entitlements/internal/usagegate"
)

const testAdminKey = "test-admin-key"

type pingFailStore struct {
	*entitlement.MemoryStore
}

func (pingFailStore) Ping(context.Context) error { return errors.New("db down") }

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	cfg := &Config{
		DataDir:             t.TempDir(),
		AdminKey:            testAdminKey,
		BaseURL:             "https://app.example.com",
		StripeWebhookSecret: "whsec_test",
		Policy:              accounting.DefaultPolicy(),
		AllowedOrigins:      []string{"https://app.example.com"},
	}
	stores, err := OpenStores(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })

	engine := accounting.NewEngine(cfg.Policy)
	tiers, err := accounting.NewTierResolver(nil)
	require.NoError(t, err)
	dispatcher := ingest.NewDispatcher(stores.Entitlements, engine, tiers, nil)

	return &Deps{
		Config:    cfg,
		Store:     stores.Entitlements,
		Audit:     stores.Audit,
		Webhook:   ingest.NewWebhookHandler(cfg.StripeWebhookSecret, stores.Events, dispatcher, stores.Audit, 5),
		Gate:      usagegate.New(stores.Entitlements, engine, stores.Counters, usagegate.DefaultConfig()),
		Referrals: referral.NewLedger(stores.Referrals, stores.Entitlements, engine, stores.Audit),
		Ledger:    ledger.NewService(stores.Entitlements, engine, stores.Audit),
		Version:   "test",
	}
}

func serve(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_HealthEndpoints(t *testing.T) {
	deps := newTestDeps(t)
	h := Handler(deps)

	rec := serve(h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(h, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())

	rec = serve(h, http.MethodGet, "/version", "", nil)
	assert.Equal(t, "test", rec.Body.String())

	deps.Store = pingFailStore{entitlement.NewMemoryStore()}
	rec = serve(Handler(deps), http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", rec.Body.String())
}

func TestRoutes_MetricsRequireAdminUnlessPublic(t *testing.T) {
	deps := newTestDeps(t)

	h := Handler(deps)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/metrics", "", map[string]string{"X-Admin-Key": testAdminKey}).Code)

	deps.Config.PublicMetrics = true
	assert.Equal(t, http.StatusOK, serve(Handler(deps), http.MethodGet, "/metrics", "", nil).Code)
}

func TestRoutes_LedgerRequiresAdminKey(t *testing.T) {
	h := Handler(newTestDeps(t))
	admin := map[string]string{"X-Admin-Key": testAdminKey}

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "/api/users", `{"userId":"u_ROUTES0001"}`, nil).Code)

	rec := serve(h, http.MethodPost, "/api/users", `{"userId":"u_ROUTES0001"}`, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(h, http.MethodGet, "/api/users/u_ROUTES0001/credits", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"creditsRemaining":3`)

	rec = serve(h, http.MethodPost, "/api/users/u_ROUTES0001/emergency-credits", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/api/audit?user_id=u_ROUTES0001", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/audit", "", nil).Code)
}

func TestRoutes_PublicEndpoints(t *testing.T) {
	h := Handler(newTestDeps(t))
	admin := map[string]string{"X-Admin-Key": testAdminKey}
	require.Equal(t, http.StatusCreated, serve(h, http.MethodPost, "/api/users", `{"userId":"u_PUBLIC0001"}`, admin).Code)

	rec := serve(h, http.MethodPost, "/api/usage/check", `{"userId":"u_PUBLIC0001","action":"receipt"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"allowed":true`)

	rec = serve(h, http.MethodGet, "/api/referrals/u_PUBLIC0001", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(h, http.MethodPost, "/api/referrals/redeem", `{"code":"ZZZZZZZZ","refereeId":"u_PUBLIC0001"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/api/checkout/session", `{"priceRef":"price_x","userId":"u_PUBLIC0001"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "checkout is disabled without a Stripe API key")
}

func TestRoutes_WebhookRejectsUnsignedPayload(t *testing.T) {
	h := Handler(newTestDeps(t))
	rec := serve(h, http.MethodPost, "/api/stripe/webhook", `{"id":"evt_1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_CORSPreflight(t *testing.T) {
	h := Handler(newTestDeps(t))
	rec := serve(h, http.MethodOptions, "/api/usage/check", "", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRoutes_PublicRateLimit(t *testing.T) {
	deps := newTestDeps(t)
	deps.PublicLimiter = NewRateLimiter("client", 1, 0, RouteClientKey)
	h := Handler(deps)

	body := `{"deviceId":"dev-1","action":"chat"}`
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/api/usage/check", body, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodPost, "/api/usage/check", body, nil).Code)

	// Each route has its own budget for the same client.
	rec := serve(h, http.MethodGet, "/api/referrals/u_NOBODY0001", "", nil)
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}

func TestRoutes_ClientKeyGuardsClientRoutes(t *testing.T) {
	deps := newTestDeps(t)
	deps.Config.ClientKey = "app-key"
	h := Handler(deps)

	body := `{"deviceId":"dev-1","action":"chat"}`
	rec := serve(h, http.MethodPost, "/api/usage/check", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, http.MethodPost, "/api/referrals/redeem", `{"code":"AAAAAAAA","refereeId":"u_X"}`,
		map[string]string{"X-Client-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, http.MethodPost, "/api/usage/check", body, map[string]string{"X-Client-Key": "app-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health checks and the signature-checked webhook do not need the app key.
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/api/stripe/webhook", `{"id":"evt_1"}`, nil).Code)
}
