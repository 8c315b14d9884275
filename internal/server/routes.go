package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/receipt-entitlements/internal/auditlog"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	"github.com/rcourtman/receipt-entitlements/internal/ledger"
	"github.com/rcourtman/receipt-entitlements/internal/logging"
	"github.com/rcourtman/receipt-entitlements/internal/referral"
	"github.com/rcourtman/receipt-entitlements/internal/usagegate"
)

const (
	webhookRateLimit = 120
	publicRateLimit  = 60
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *Config
	Store     entitlement.Store
	Audit     *auditlog.Store
	Webhook   http.Handler
	Checkout  http.Handler // nil when no Stripe API key is configured
	Gate      *usagegate.Gate
	Referrals *referral.Ledger
	Ledger    *ledger.Service
	Version   string

	WebhookLimiter *RateLimiter
	PublicLimiter  *RateLimiter
}

// Handler builds the full middleware chain around the route table.
func Handler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return logging.Middleware(corsMiddleware(deps.Config.AllowedOrigins, mux))
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	if deps.WebhookLimiter == nil {
		deps.WebhookLimiter = NewRateLimiter("webhook", webhookRateLimit, time.Minute, ClientIPKey)
	}
	if deps.PublicLimiter == nil {
		deps.PublicLimiter = NewRateLimiter("client", publicRateLimit, time.Minute, RouteClientKey)
	}
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, deps.Config.AdminKeyHash, next)
	}
	public := func(next http.Handler) http.Handler {
		return deps.PublicLimiter.Middleware(ClientKeyMiddleware(deps.Config.ClientKey, next))
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(deps.Store))
	mux.HandleFunc("GET /version", handleVersion(deps.Version))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	mux.Handle("/api/stripe/webhook", deps.WebhookLimiter.Middleware(deps.Webhook))

	// Client-facing endpoints
	if deps.Checkout != nil {
		mux.Handle("/api/checkout/session", public(deps.Checkout))
	} else {
		mux.HandleFunc("/api/checkout/session", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "checkout is not configured", http.StatusServiceUnavailable)
		})
	}
	mux.Handle("/api/usage/check", public(usagegate.HandleCheck(deps.Gate)))
	mux.Handle("POST /api/referrals/redeem", public(referral.HandleRedeem(deps.Referrals)))
	mux.Handle("GET /api/referrals/{user_id}", public(referral.HandleStats(deps.Referrals)))

	// Ledger API (key-authenticated)
	mux.Handle("POST /api/users", adminAuth(ledger.HandleCreateUser(deps.Ledger)))
	mux.Handle("GET /api/users/{user_id}/credits", adminAuth(ledger.HandleGetCredits(deps.Ledger)))
	mux.Handle("PUT /api/users/{user_id}/credits", adminAuth(ledger.HandleSetCredits(deps.Ledger)))
	mux.Handle("POST /api/users/{user_id}/emergency-credits", adminAuth(ledger.HandleEmergencyCredits(deps.Ledger)))
	mux.Handle("POST /api/users/{user_id}/subscription", adminAuth(ledger.HandleUpdateSubscription(deps.Ledger)))
	mux.Handle("POST /api/users/{user_id}/trial", adminAuth(ledger.HandleStartTrial(deps.Ledger)))
	if deps.Audit != nil {
		mux.Handle("GET /api/audit", adminAuth(auditlog.HandleList(deps.Audit)))
	}
}

// handleHealthz returns 200 "ok" unconditionally (liveness probe).
func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz checks entitlement store connectivity (readiness probe).
func handleReadyz(store entitlement.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "text/plain")
		if err := store.Ping(ctx); err != nil {
			logger := logging.FromContext(r.Context())
			logger.Warn().Err(err).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

func handleVersion(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(version))
	}
}
