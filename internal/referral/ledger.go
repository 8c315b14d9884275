// Package referral issues referral codes and awards the one-time bonus to both
// sides of a referred signup. Each referee triggers the bonus at most once.
package referral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/auditlog"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
	"github.com/rcourtman/receipt-entitlements/internal/metrics"
)

const (
	codeLength       = 8
	maxCodeAttempts  = 5
	eventTypeRedeem  = "referral.redeemed"
	opRedeemReferral = "redeem_referral"
)

var (
	// ErrInvalidCode is returned for unknown referral codes.
	ErrInvalidCode = errors.New("invalid referral code")
	// ErrSelfReferral is returned when a user redeems their own code.
	ErrSelfReferral = errors.New("cannot redeem your own referral code")
	// ErrRedemptionInFlight is returned while a concurrent redemption of the
	// same (code, referee) holds the lease.
	ErrRedemptionInFlight = errors.New("referral redemption already in progress")
	// ErrAlreadyReferred is returned when the referee has already redeemed a
	// different code.
	ErrAlreadyReferred = errors.New("referral bonus already claimed with another code")
)

// Result reports what Redeem did.
type Result struct {
	Code      string `json:"code"`
	Duplicate bool   `json:"duplicate"`
	Bonus     int64  `json:"bonus"`
}

// Stats is the referrer-facing summary of a code.
type Stats struct {
	Code               string `json:"code"`
	TotalReferrals     int64  `json:"totalReferrals"`
	TotalRewardsEarned int64  `json:"totalRewardsEarned"`
}

// Ledger awards referral bonuses through the credit engine.
type Ledger struct {
	store        *Store
	entitlements entitlement.Store
	engine       *accounting.Engine
	audit        auditlog.Recorder
}

// NewLedger creates a Ledger. audit may be nil.
func NewLedger(store *Store, entitlements entitlement.Store, engine *accounting.Engine, audit auditlog.Recorder) *Ledger {
	return &Ledger{store: store, entitlements: entitlements, engine: engine, audit: audit}
}

// CodeFor returns ownerUserID's code, creating one on first use.
func (l *Ledger) CodeFor(ctx context.Context, ownerUserID string) (string, error) {
	ownerUserID = strings.TrimSpace(ownerUserID)
	if !entitlement.IsSafeID(ownerUserID) {
		return "", internalerrors.New(internalerrors.KindValidation, "referral_code", ownerUserID,
			fmt.Errorf("invalid user id"))
	}
	if _, err := l.entitlements.Get(ctx, ownerUserID); err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return "", internalerrors.New(internalerrors.KindUserNotFound, "referral_code", ownerUserID, err)
		}
		return "", fmt.Errorf("load referral owner: %w", err)
	}

	existing, err := l.store.CodeByOwner(ctx, ownerUserID)
	if err == nil {
		return existing.Code, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("load referral code: %w", err)
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := entitlement.RandomCrockford(codeLength)
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		switch err := l.store.InsertCode(ctx, code, ownerUserID); {
		case err == nil:
			log.Info().Str("user_id", ownerUserID).Str("code", code).Msg("Referral code created")
			return code, nil
		case errors.Is(err, errOwnerTaken):
			existing, err := l.store.CodeByOwner(ctx, ownerUserID)
			if err != nil {
				return "", fmt.Errorf("load referral code: %w", err)
			}
			return existing.Code, nil
		case errors.Is(err, errCodeTaken):
			continue
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("generate referral code: %d collisions", maxCodeAttempts)
}

// Redeem awards the referral bonus to the code owner and refereeID. Repeating
// a completed redemption succeeds with Duplicate set and grants nothing.
// Each side is marked as credited right after its grant, so a retry after a
// partial failure only grants the side that is still missing.
func (l *Ledger) Redeem(ctx context.Context, code, refereeID string) (Result, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	refereeID = strings.TrimSpace(refereeID)
	res := Result{Code: code}

	if !entitlement.IsSafeID(refereeID) {
		return res, internalerrors.New(internalerrors.KindValidation, opRedeemReferral, refereeID,
			fmt.Errorf("invalid referee id"))
	}
	if len(code) != codeLength {
		l.countOutcome("invalid_code")
		return res, internalerrors.New(internalerrors.KindInvalidCode, opRedeemReferral, refereeID, ErrInvalidCode)
	}

	owner, err := l.store.CodeByValue(ctx, code)
	if errors.Is(err, sql.ErrNoRows) {
		l.countOutcome("invalid_code")
		return res, internalerrors.New(internalerrors.KindInvalidCode, opRedeemReferral, refereeID, ErrInvalidCode)
	}
	if err != nil {
		return res, fmt.Errorf("load referral code: %w", err)
	}
	if owner.OwnerUserID == refereeID {
		l.countOutcome("self_referral")
		return res, internalerrors.New(internalerrors.KindValidation, opRedeemReferral, refereeID, ErrSelfReferral)
	}
	if _, err := l.entitlements.Get(ctx, refereeID); err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return res, internalerrors.New(internalerrors.KindUserNotFound, opRedeemReferral, refereeID, err)
		}
		return res, fmt.Errorf("load referee: %w", err)
	}

	red, err := l.store.Claim(ctx, code, refereeID)
	if errors.Is(err, ErrRedemptionInFlight) {
		return res, internalerrors.New(internalerrors.KindConflict, opRedeemReferral, refereeID, err)
	}
	if errors.Is(err, ErrAlreadyReferred) {
		l.countOutcome("already_referred")
		return res, internalerrors.New(internalerrors.KindConflict, opRedeemReferral, refereeID, err)
	}
	if err != nil {
		return res, internalerrors.New(internalerrors.KindStoreWrite, opRedeemReferral, refereeID, err)
	}
	if red.Status == StatusComplete {
		l.countOutcome("duplicate")
		res.Duplicate = true
		return res, nil
	}

	bonus := l.engine.ReferralBonus()
	res.Bonus = bonus.Credits
	release := func() {
		if err := l.store.Release(context.WithoutCancel(ctx), code, refereeID); err != nil {
			log.Warn().Err(err).Str("code", code).Str("referee_id", refereeID).Msg("Failed to release referral claim")
		}
	}

	sides := []struct {
		side     string
		userID   string
		credited bool
	}{
		{SideReferrer, owner.OwnerUserID, red.ReferrerCredited},
		{SideReferee, refereeID, red.RefereeCredited},
	}
	for _, s := range sides {
		if s.credited {
			continue
		}
		updated, err := entitlement.Mutate(ctx, l.entitlements, s.userID, func(e *entitlement.Entitlement) error {
			next, err := l.engine.ApplyGrant(e, bonus)
			if err != nil {
				return err
			}
			*e = *next
			return nil
		})
		if err != nil {
			release()
			l.countOutcome("failed")
			return res, internalerrors.New(internalerrors.KindStoreWrite, opRedeemReferral, s.userID, err)
		}
		if err := l.store.MarkCredited(context.WithoutCancel(ctx), code, refereeID, s.side); err != nil {
			release()
			return res, internalerrors.New(internalerrors.KindStoreWrite, opRedeemReferral, s.userID, err)
		}
		auditlog.RecordBestEffort(ctx, l.audit, auditlog.Entry{
			UserID:    s.userID,
			EventType: eventTypeRedeem,
			Actor:     auditlog.ActorSystem,
			Outcome:   auditlog.OutcomeApplied,
			Status:    string(updated.Status),
			Credits:   auditlog.Int64(updated.CreditsRemaining),
			Detail:    fmt.Sprintf("code=%s side=%s grant=%s", code, s.side, bonus),
		})
	}

	completed, err := l.store.Complete(context.WithoutCancel(ctx), code, refereeID, bonus.Credits)
	if err != nil {
		release()
		return res, internalerrors.New(internalerrors.KindStoreWrite, opRedeemReferral, refereeID, err)
	}
	if !completed {
		res.Duplicate = true
		l.countOutcome("duplicate")
		return res, nil
	}

	l.countOutcome("applied")
	log.Info().
		Str("code", code).
		Str("referrer_id", owner.OwnerUserID).
		Str("referee_id", refereeID).
		Int64("bonus", bonus.Credits).
		Msg("Referral redeemed")
	return res, nil
}

// Stats returns ownerUserID's code and totals, creating the code if needed.
func (l *Ledger) Stats(ctx context.Context, ownerUserID string) (Stats, error) {
	code, err := l.CodeFor(ctx, ownerUserID)
	if err != nil {
		return Stats{}, err
	}
	c, err := l.store.CodeByValue(ctx, code)
	if err != nil {
		return Stats{}, fmt.Errorf("load referral stats: %w", err)
	}
	return Stats{Code: c.Code, TotalReferrals: c.TotalReferrals, TotalRewardsEarned: c.TotalRewardsEarned}, nil
}

func (l *Ledger) countOutcome(outcome string) {
	metrics.ReferralRedemptionsTotal.WithLabelValues(outcome).Inc()
}
