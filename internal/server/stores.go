package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/receipt-entitlements/internal/auditlog"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	"github.com/rcourtman/receipt-entitlements/internal/ingest"
	"github.com/rcourtman/receipt-entitlements/internal/referral"
	"github.com/rcourtman/receipt-entitlements/internal/usagegate"
)

// Stores bundles every persistent store the service opens.
type Stores struct {
	Entitlements entitlement.Store
	Audit        *auditlog.Store
	Events       *ingest.EventStore
	Referrals    *referral.Store
	Counters     usagegate.CounterStore

	closers []io.Closer
}

// OpenStores opens the entitlement store (Postgres when DatabaseURL is set,
// SQLite otherwise) and the SQLite stores under DataDir. Counters live in
// Redis when RedisAddr is set. On error everything opened so far is closed.
func OpenStores(ctx context.Context, cfg *Config) (_ *Stores, err error) {
	s := &Stores{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if cfg.DatabaseURL != "" {
		pg, err := entitlement.NewPostgresStore(ctx, entitlement.PostgresConfig{URL: cfg.DatabaseURL})
		if err != nil {
			return nil, fmt.Errorf("open postgres entitlement store: %w", err)
		}
		s.Entitlements = pg
		log.Info().Msg("Entitlement store: PostgreSQL")
	} else {
		lite, err := entitlement.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open entitlement store: %w", err)
		}
		s.Entitlements = lite
		log.Info().Str("dir", cfg.DataDir).Msg("Entitlement store: SQLite")
	}
	s.closers = append(s.closers, s.Entitlements)

	if s.Audit, err = auditlog.NewStore(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	s.closers = append(s.closers, s.Audit)

	if s.Events, err = ingest.NewEventStore(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	s.closers = append(s.closers, s.Events)

	if s.Referrals, err = referral.NewStore(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("open referral store: %w", err)
	}
	s.closers = append(s.closers, s.Referrals)

	if cfg.RedisAddr != "" {
		rc, err := usagegate.NewRedisCounters(ctx, usagegate.RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis counters: %w", err)
		}
		s.Counters = rc
		s.closers = append(s.closers, rc)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Usage counters: Redis")
	} else {
		sc, err := usagegate.NewSQLiteCounters(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open usage counters: %w", err)
		}
		s.Counters = sc
		s.closers = append(s.closers, sc)
	}

	return s, nil
}

// Close closes every opened store in reverse order.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
