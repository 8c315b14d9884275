package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
)

const defaultSweepInterval = 1 * time.Hour

// TrialSweeper periodically moves users whose trial window has ended back to
// the free tier.
type TrialSweeper struct {
	store    entitlement.Store
	service  *Service
	interval time.Duration
}

// NewTrialSweeper creates a TrialSweeper. A non-positive interval uses one hour.
func NewTrialSweeper(store entitlement.Store, service *Service, interval time.Duration) *TrialSweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &TrialSweeper{store: store, service: service, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (t *TrialSweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", t.interval).Msg("Trial sweeper started")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Trial sweeper stopped")
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep expires every trial that has ended and returns how many users moved.
func (t *TrialSweeper) Sweep(ctx context.Context) int {
	trials, err := t.store.ListByStatus(ctx, entitlement.TierTrial)
	if err != nil {
		log.Error().Err(err).Msg("Trial sweeper: failed to list trial users")
		return 0
	}

	now := t.service.now().UTC()
	expired := 0
	for _, ent := range trials {
		if ctx.Err() != nil {
			return expired
		}
		if ent == nil || accounting.TrialActive(ent, now) {
			continue
		}

		changed, err := t.service.ExpireTrial(ctx, ent.UserID)
		if err != nil {
			log.Error().Err(err).Str("user_id", ent.UserID).Msg("Trial sweeper: failed to expire trial")
			continue
		}
		if changed {
			expired++
			log.Info().Str("user_id", ent.UserID).Msg("Trial expired, user moved to free")
		}
	}
	return expired
}
