package server

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	"github.com/rcourtman/receipt-entitlements/internal/ingest"
	"github.com/rcourtman/receipt-entitlements/internal/usagegate"
)

// Config holds all configuration for the entitlement service.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	BaseURL             string
	AdminKey            string
	AdminKeyHash        string // bcrypt hash; takes precedence over AdminKey
	ClientKey           string // optional; required on client-facing routes when set
	StripeWebhookSecret string
	StripeAPIKey        string // optional; checkout and subscription lookups are disabled when empty
	PriceTiers          map[string]entitlement.Tier
	Policy              accounting.Policy
	StrictQuota         bool
	StoreTimeout        time.Duration
	WebhookMaxAttempts  int
	TrialSweepInterval  time.Duration
	DNSCacheTTL         time.Duration
	DatabaseURL         string // Postgres; SQLite under DataDir when empty
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	AllowedOrigins      []string
	PublicMetrics       bool
	LogLevel            string
	LogFormat           string
	LogFile             string
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("ENT_PORT", 8080)
	if err != nil {
		return nil, err
	}
	redisDB, err := envOrDefaultInt("ENT_REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := envOrDefaultInt("ENT_WEBHOOK_MAX_ATTEMPTS", ingest.DefaultMaxAttempts)
	if err != nil {
		return nil, err
	}

	policy, err := loadPolicy()
	if err != nil {
		return nil, err
	}

	strict, err := envOrDefaultBool("ENT_STRICT_QUOTA", false)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("ENT_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	storeTimeout, err := envOrDefaultDuration("ENT_STORE_TIMEOUT", usagegate.DefaultConfig().StoreTimeout)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("ENT_TRIAL_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	dnsTTL, err := envOrDefaultDuration("ENT_DNS_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	tiers, err := accounting.ParsePriceTiers(os.Getenv("ENT_PRICE_TIERS"))
	if err != nil {
		return nil, fmt.Errorf("ENT_PRICE_TIERS: %w", err)
	}

	cfg := &Config{
		DataDir:             envOrDefault("ENT_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("ENT_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		BaseURL:             strings.TrimSpace(os.Getenv("ENT_BASE_URL")),
		AdminKey:            strings.TrimSpace(os.Getenv("ENT_ADMIN_KEY")),
		AdminKeyHash:        strings.TrimSpace(os.Getenv("ENT_ADMIN_KEY_HASH")),
		ClientKey:           strings.TrimSpace(os.Getenv("ENT_CLIENT_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		PriceTiers:          tiers,
		Policy:              policy,
		StrictQuota:         strict,
		StoreTimeout:        storeTimeout,
		WebhookMaxAttempts:  maxAttempts,
		TrialSweepInterval:  sweepInterval,
		DNSCacheTTL:         dnsTTL,
		DatabaseURL:         strings.TrimSpace(os.Getenv("ENT_DATABASE_URL")),
		RedisAddr:           strings.TrimSpace(os.Getenv("ENT_REDIS_ADDR")),
		RedisPassword:       os.Getenv("ENT_REDIS_PASSWORD"),
		RedisDB:             redisDB,
		AllowedOrigins:      splitList(os.Getenv("ENT_ALLOWED_ORIGINS")),
		PublicMetrics:       publicMetrics,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "auto"),
		LogFile:             strings.TrimSpace(os.Getenv("LOG_FILE")),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadStoreConfig loads what the admin CLI needs to open the stores and
// replay events. HTTP and webhook settings are not required.
func LoadStoreConfig() (*Config, error) {
	_ = godotenv.Load()

	policy, err := loadPolicy()
	if err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	tiers, err := accounting.ParsePriceTiers(os.Getenv("ENT_PRICE_TIERS"))
	if err != nil {
		return nil, fmt.Errorf("ENT_PRICE_TIERS: %w", err)
	}
	redisDB, err := envOrDefaultInt("ENT_REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	return &Config{
		DataDir:       envOrDefault("ENT_DATA_DIR", "/data"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("ENT_DATABASE_URL")),
		StripeAPIKey:  strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		PriceTiers:    tiers,
		Policy:        policy,
		RedisAddr:     strings.TrimSpace(os.Getenv("ENT_REDIS_ADDR")),
		RedisPassword: os.Getenv("ENT_REDIS_PASSWORD"),
		RedisDB:       redisDB,
		DNSCacheTTL:   5 * time.Minute,
		LogLevel:      envOrDefault("LOG_LEVEL", "warn"),
		LogFormat:     envOrDefault("LOG_FORMAT", "console"),
	}, nil
}

func loadPolicy() (accounting.Policy, error) {
	defaults := accounting.DefaultPolicy()
	var policy accounting.Policy
	var err error
	if policy.StarterCredits, err = envOrDefaultInt64("ENT_STARTER_CREDITS", defaults.StarterCredits); err != nil {
		return policy, err
	}
	if policy.FreeDailyCredits, err = envOrDefaultInt64("ENT_FREE_DAILY_CREDITS", defaults.FreeDailyCredits); err != nil {
		return policy, err
	}
	if policy.EmergencyPackCredits, err = envOrDefaultInt64("ENT_EMERGENCY_PACK_CREDITS", defaults.EmergencyPackCredits); err != nil {
		return policy, err
	}
	if policy.ReferralBonusCredits, err = envOrDefaultInt64("ENT_REFERRAL_BONUS_CREDITS", defaults.ReferralBonusCredits); err != nil {
		return policy, err
	}
	return policy, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" && c.AdminKeyHash == "" {
		missing = append(missing, "ENT_ADMIN_KEY or ENT_ADMIN_KEY_HASH")
	}
	if c.BaseURL == "" {
		missing = append(missing, "ENT_BASE_URL")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENT_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("ENT_WEBHOOK_MAX_ATTEMPTS must be at least 1, got %d", c.WebhookMaxAttempts)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("ENT_STORE_TIMEOUT must be positive")
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("ENT_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("ENT_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("ENT_BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration like 30s or 1h: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
