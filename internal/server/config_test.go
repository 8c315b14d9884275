package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENT_ADMIN_KEY", "test-admin-key")
	t.Setenv("ENT_BASE_URL", "https://app.example.com")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, int64(3), cfg.Policy.StarterCredits)
	assert.Equal(t, int64(1), cfg.Policy.FreeDailyCredits)
	assert.Equal(t, int64(5), cfg.Policy.EmergencyPackCredits)
	assert.Equal(t, int64(3), cfg.Policy.ReferralBonusCredits)
	assert.False(t, cfg.StrictQuota)
	assert.Equal(t, 3*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 5, cfg.WebhookMaxAttempts)
	assert.Equal(t, time.Hour, cfg.TrialSweepInterval)
	assert.Empty(t, cfg.PriceTiers)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENT_PORT", "9090")
	t.Setenv("ENT_STRICT_QUOTA", "true")
	t.Setenv("ENT_STORE_TIMEOUT", "750ms")
	t.Setenv("ENT_PRICE_TIERS", "price_founder=founder, price_monthly=premium")
	t.Setenv("ENT_ALLOWED_ORIGINS", "https://app.example.com, https://*.example.org")
	t.Setenv("ENT_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("ENT_EMERGENCY_PACK_CREDITS", "7")
	t.Setenv("ENT_CLIENT_KEY", " app-key ")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.StrictQuota)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, entitlement.TierFounder, cfg.PriceTiers["price_founder"])
	assert.Equal(t, entitlement.TierPremium, cfg.PriceTiers["price_monthly"])
	assert.Equal(t, []string{"https://app.example.com", "https://*.example.org"}, cfg.AllowedOrigins)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, int64(7), cfg.Policy.EmergencyPackCredits)
	assert.Equal(t, "app-key", cfg.ClientKey)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing admin key", map[string]string{"ENT_ADMIN_KEY": ""}, "ENT_ADMIN_KEY or ENT_ADMIN_KEY_HASH"},
		{"missing webhook secret", map[string]string{"STRIPE_WEBHOOK_SECRET": ""}, "STRIPE_WEBHOOK_SECRET"},
		{"bad port", map[string]string{"ENT_PORT": "70000"}, "ENT_PORT"},
		{"non-numeric port", map[string]string{"ENT_PORT": "http"}, "ENT_PORT"},
		{"bad base url scheme", map[string]string{"ENT_BASE_URL": "ftp://example.com"}, "http or https"},
		{"bad bool", map[string]string{"ENT_STRICT_QUOTA": "sometimes"}, "ENT_STRICT_QUOTA"},
		{"bad duration", map[string]string{"ENT_STORE_TIMEOUT": "soon"}, "ENT_STORE_TIMEOUT"},
		{"bad price tier", map[string]string{"ENT_PRICE_TIERS": "price_x=trial"}, "ENT_PRICE_TIERS"},
		{"zero attempts", map[string]string{"ENT_WEBHOOK_MAX_ATTEMPTS": "0"}, "ENT_WEBHOOK_MAX_ATTEMPTS"},
		{"negative starter credits", map[string]string{"ENT_STARTER_CREDITS": "-1"}, "starter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_AdminKeyHashAlone(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENT_ADMIN_KEY", "")
	t.Setenv("ENT_ADMIN_KEY_HASH", "$2a$12$abcdefghijklmnopqrstuu")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.AdminKeyHash)
}

func TestLoadStoreConfig_NeedsNoHTTPSettings(t *testing.T) {
	t.Setenv("ENT_DATA_DIR", "/var/lib/receipt")
	t.Setenv("ENT_PRICE_TIERS", "price_founder=founder")
	t.Setenv("ENT_REFERRAL_BONUS_CREDITS", "4")

	cfg, err := LoadStoreConfig()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/receipt", cfg.DataDir)
	assert.Equal(t, entitlement.TierFounder, cfg.PriceTiers["price_founder"])
	assert.Equal(t, int64(4), cfg.Policy.ReferralBonusCredits)

	t.Setenv("ENT_REFERRAL_BONUS_CREDITS", "0")
	_, err = LoadStoreConfig()
	assert.Error(t, err)
}
