// Package usagegate answers whether a metered action may proceed. Receipts for
// known users are decided against the entitlement ledger; anonymous requests,
// chat turns and ledger outages fall back to keyed usage counters.
package usagegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
	"github.com/rcourtman/receipt-entitlements/internal/metrics"
)

// Action is a metered action.
type Action string

const (
	ActionReceipt Action = "receipt"
	ActionChat    Action = "chat"
)

// Decision sources.
const (
	SourceLedger   = "ledger"
	SourceFallback = "client_fallback"
)

// Decision reasons beyond the ledger deny reasons.
const (
	ReasonUnlimited        = "unlimited"
	ReasonTrial            = "trial"
	ReasonStarter          = "starter"
	ReasonQuotaUnavailable = "quota_unavailable"
)

// counterWindow bounds the lifetime of day-keyed counters.
const counterWindow = 48 * time.Hour

// Request identifies who wants to perform which action.
type Request struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	Action   Action `json:"action"`
}

// Decision is the gate's answer. A deny is a normal value, not an error.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Reason    string    `json:"reason,omitempty"`
	Source    string    `json:"source"`
}

// Config holds the gate limits and failure policy.
type Config struct {
	// StrictQuota denies when counter storage fails instead of allowing.
	StrictQuota       bool
	StoreTimeout      time.Duration
	StarterLimit      int64
	DailyReceiptLimit int64
	DailyChatLimit    int64
}

// DefaultConfig returns the production limits with fail-open counters.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:      3 * time.Second,
		StarterLimit:      3,
		DailyReceiptLimit: 1,
		DailyChatLimit:    5,
	}
}

// Gate decides whether metered actions may proceed.
type Gate struct {
	store    entitlement.Store
	engine   *accounting.Engine
	counters CounterStore
	cfg      Config
	now      func() time.Time
}

// New creates a Gate.
func New(store entitlement.Store, engine *accounting.Engine, counters CounterStore, cfg Config) *Gate {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultConfig().StoreTimeout
	}
	return &Gate{
		store:    store,
		engine:   engine,
		counters: counters,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Check decides req. It returns an error only for invalid requests, unknown
// users and cancelled contexts.
func (g *Gate) Check(ctx context.Context, req Request) (Decision, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.DeviceID = strings.TrimSpace(req.DeviceID)

	if req.Action != ActionReceipt && req.Action != ActionChat {
		return Decision{}, internalerrors.New(internalerrors.KindValidation, "usage_check", req.UserID,
			fmt.Errorf("unknown action %q", req.Action))
	}
	if req.UserID == "" && req.DeviceID == "" {
		return Decision{}, internalerrors.New(internalerrors.KindValidation, "usage_check", "",
			errors.New("userId or deviceId is required"))
	}

	var d Decision
	var err error
	if req.Action == ActionReceipt && req.UserID != "" && g.store != nil {
		d, err = g.checkLedger(ctx, req.UserID)
		switch {
		case err == nil:
		case errors.Is(err, entitlement.ErrNotFound):
			return Decision{}, internalerrors.New(internalerrors.KindUserNotFound, "usage_check", req.UserID, err)
		case ctx.Err() != nil:
			return Decision{}, ctx.Err()
		default:
			log.Warn().Err(err).
				Str("user_id", req.UserID).
				Msg("Entitlement store unavailable; using fallback counters")
			d = g.checkCounters(ctx, req)
		}
	} else {
		d = g.checkCounters(ctx, req)
	}

	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	metrics.GateDecisionsTotal.WithLabelValues(string(req.Action), d.Source, outcome).Inc()
	return d, nil
}

func (g *Gate) checkLedger(ctx context.Context, userID string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()

	now := g.now().UTC()
	resetAt := entitlement.NextReset(now)

	ent, err := g.store.Get(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if accounting.IsUnlimited(ent) {
		return Decision{Allowed: true, Remaining: entitlement.UnlimitedCredits, ResetAt: resetAt, Reason: ReasonUnlimited, Source: SourceLedger}, nil
	}
	if accounting.TrialActive(ent, now) {
		return Decision{Allowed: true, Remaining: entitlement.UnlimitedCredits, ResetAt: resetAt, Reason: ReasonTrial, Source: SourceLedger}, nil
	}

	allowed := false
	updated, err := entitlement.Mutate(ctx, g.store, userID, func(e *entitlement.Entitlement) error {
		next, reset := g.engine.MaybeResetDaily(e, now)
		out := g.engine.Consume(next)
		allowed = out.Allowed
		if !out.Allowed && !reset {
			return entitlement.ErrNoChange
		}
		*e = *out.Entitlement
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	if !allowed {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
			Reason:    accounting.DenyReason(updated, now),
			Source:    SourceLedger,
		}, nil
	}
	return Decision{Allowed: true, Remaining: updated.CreditsRemaining, ResetAt: resetAt, Source: SourceLedger}, nil
}

// checkCounters applies the fallback quota: receipts spend the lifetime
// starter allowance first and then the daily receipt cap; chat turns only use
// the daily chat cap. Each counter is a separate key.
func (g *Gate) checkCounters(ctx context.Context, req Request) Decision {
	now := g.now().UTC()
	day := entitlement.DayKey(now)
	resetAt := entitlement.NextReset(now)
	subject := req.UserID
	if subject == "" {
		subject = "device:" + req.DeviceID
	}

	if g.counters == nil {
		return g.counterFailure(req, resetAt, errors.New("no counter store configured"))
	}

	if req.Action == ActionChat {
		count, ok, err := g.counters.Incr(ctx, "chat:"+subject+":"+day, g.cfg.DailyChatLimit, counterWindow)
		if err != nil {
			return g.counterFailure(req, resetAt, err)
		}
		return counterDecision(ok, g.cfg.DailyChatLimit, count, resetAt, accounting.ReasonDailyLimitReached)
	}

	starterCount, ok, err := g.counters.Incr(ctx, "starter:"+subject, g.cfg.StarterLimit, 0)
	if err != nil {
		return g.counterFailure(req, resetAt, err)
	}
	if ok {
		d := counterDecision(true, g.cfg.StarterLimit, starterCount, resetAt, "")
		d.Reason = ReasonStarter
		return d
	}

	count, ok, err := g.counters.Incr(ctx, "receipt:"+subject+":"+day, g.cfg.DailyReceiptLimit, counterWindow)
	if err != nil {
		return g.counterFailure(req, resetAt, err)
	}
	reason := accounting.ReasonDailyLimitReached
	if starterRanOutToday(starterCount, g.cfg.StarterLimit, count) {
		reason = accounting.ReasonStarterExhausted
	}
	return counterDecision(ok, g.cfg.DailyReceiptLimit, count, resetAt, reason)
}

// starterRanOutToday reports whether every receipt past the starter allowance
// was counted today. Both counters grow on each post-starter receipt, so the
// starter overflow equals today's count only when no earlier day saw one.
func starterRanOutToday(starterCount, starterLimit, dailyCount int64) bool {
	return starterCount-starterLimit == dailyCount
}

func counterDecision(allowed bool, limit, count int64, resetAt time.Time, denyReason string) Decision {
	d := Decision{Allowed: allowed, ResetAt: resetAt, Source: SourceFallback}
	if remaining := limit - count; remaining > 0 {
		d.Remaining = remaining
	}
	if !allowed {
		d.Reason = denyReason
	}
	return d
}

// counterFailure applies the StrictQuota policy when counters cannot be read.
func (g *Gate) counterFailure(req Request, resetAt time.Time, err error) Decision {
	if g.cfg.StrictQuota {
		log.Error().Err(err).
			Str("action", string(req.Action)).
			Msg("Quota counters unavailable; denying (strict quota)")
		return Decision{Allowed: false, ResetAt: resetAt, Reason: ReasonQuotaUnavailable, Source: SourceFallback}
	}
	metrics.GateFailOpenTotal.WithLabelValues(string(req.Action)).Inc()
	log.Warn().Err(err).
		Str("action", string(req.Action)).
		Msg("Quota counters unavailable; allowing (fail open)")
	return Decision{Allowed: true, ResetAt: resetAt, Reason: ReasonQuotaUnavailable, Source: SourceFallback}
}
