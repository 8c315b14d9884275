package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	"github.com/rcourtman/receipt-entitlements/internal/metrics"
)

const (
	statusMetricsInterval = 30 * time.Second
	housekeepingInterval  = 10 * time.Minute
)

func runStatusMetrics(ctx context.Context, store entitlement.Store) {
	ticker := time.NewTicker(statusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateStatusGauges(ctx, store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStatusGauges(ctx, store)
		}
	}
}

func updateStatusGauges(ctx context.Context, store entitlement.Store) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update users-by-status metrics")
		return
	}

	seen := make(map[entitlement.Tier]struct{}, len(counts))

	// Stable label set for known statuses.
	for _, status := range entitlement.AllTiers {
		seen[status] = struct{}{}
		metrics.UsersByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		metrics.UsersByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}

type counterPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// runHousekeeping drops expired fallback counters and idle rate-limit
// entries.
func runHousekeeping(ctx context.Context, purger counterPurger, limiters ...*RateLimiter) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			housekeep(ctx, purger, limiters)
		}
	}
}

func housekeep(ctx context.Context, purger counterPurger, limiters []*RateLimiter) {
	if purger != nil {
		n, err := purger.PurgeExpired(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to purge expired usage counters")
		} else if n > 0 {
			log.Debug().Int64("purged", n).Msg("Purged expired usage counters")
		}
	}
	for _, rl := range limiters {
		rl.Prune()
	}
}
