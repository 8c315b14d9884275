// Package server wires configuration, stores and HTTP handlers into the
// receiptd service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/checkout"
	"github.com/rcourtman/receipt-entitlements/internal/httpclient"
	"github.com/rcourtman/receipt-entitlements/internal/ingest"
	"github.com/rcourtman/receipt-entitlements/internal/ledger"
	"github.com/rcourtman/receipt-entitlements/internal/logging"
	"github.com/rcourtman/receipt-entitlements/internal/referral"
	"github.com/rcourtman/receipt-entitlements/internal/usagegate"
)

const shutdownTimeout = 30 * time.Second

// Run starts the entitlement HTTP server and its background loops, and blocks
// until ctx is cancelled or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "receiptd",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	log.Info().Str("version", version).Msg("Starting receipt entitlement service")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close stores")
		}
	}()

	engine := accounting.NewEngine(cfg.Policy)
	tiers, err := accounting.NewTierResolver(cfg.PriceTiers)
	if err != nil {
		return fmt.Errorf("price tiers: %w", err)
	}

	var resolver *httpclient.Resolver
	var subscriptions ingest.SubscriptionFetcher
	var checkoutHandler http.Handler
	if cfg.StripeAPIKey != "" {
		resolver = httpclient.NewResolver(cfg.DNSCacheTTL)
		httpclient.ConfigureStripe(cfg.StripeAPIKey, httpclient.NewClient(resolver, 0))
		subscriptions = ingest.NewStripeSubscriptions()
		checkoutHandler = checkout.NewHandler(stores.Entitlements, cfg.BaseURL)
		log.Info().Msg("Stripe API configured")
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set; checkout and subscription lookups disabled")
	}

	dispatcher := ingest.NewDispatcher(stores.Entitlements, engine, tiers, subscriptions)
	webhook := ingest.NewWebhookHandler(cfg.StripeWebhookSecret, stores.Events, dispatcher, stores.Audit, cfg.WebhookMaxAttempts)

	gateCfg := usagegate.DefaultConfig()
	gateCfg.StrictQuota = cfg.StrictQuota
	gateCfg.StoreTimeout = cfg.StoreTimeout
	gate := usagegate.New(stores.Entitlements, engine, stores.Counters, gateCfg)

	service := ledger.NewService(stores.Entitlements, engine, stores.Audit)
	sweeper := ledger.NewTrialSweeper(stores.Entitlements, service, cfg.TrialSweepInterval)

	deps := &Deps{
		Config:    cfg,
		Store:     stores.Entitlements,
		Audit:     stores.Audit,
		Webhook:   webhook,
		Checkout:  checkoutHandler,
		Gate:      gate,
		Referrals: referral.NewLedger(stores.Referrals, stores.Entitlements, engine, stores.Audit),
		Ledger:    service,
		Version:   version,
	}
	handler := Handler(deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Entitlement service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runStatusMetrics(gctx, stores.Entitlements)
		return nil
	})
	g.Go(func() error {
		purger, _ := stores.Counters.(counterPurger)
		runHousekeeping(gctx, purger, deps.WebhookLimiter, deps.PublicLimiter)
		return nil
	})
	if resolver != nil {
		g.Go(func() error {
			resolver.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("Entitlement service stopped")
	return err
}
