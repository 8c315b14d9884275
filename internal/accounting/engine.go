// Package accounting holds the pure credit rules: grants, the daily free-quota
// reset, consumption and price-to-tier resolution. Nothing here performs I/O;
// callers load a snapshot from the entitlement store, apply a rule and persist
// the returned copy.
package accounting

import (
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
)

// Policy holds the credit amounts used by the rules.
type Policy struct {
	StarterCredits       int64
	FreeDailyCredits     int64
	EmergencyPackCredits int64
	ReferralBonusCredits int64
}

// DefaultPolicy returns the production credit amounts.
func DefaultPolicy() Policy {
	return Policy{
		StarterCredits:       3,
		FreeDailyCredits:     1,
		EmergencyPackCredits: 5,
		ReferralBonusCredits: 3,
	}
}

// Validate checks that every amount is usable.
func (p Policy) Validate() error {
	if p.StarterCredits < 0 {
		return fmt.Errorf("starter credits must be >= 0, got %d", p.StarterCredits)
	}
	if p.FreeDailyCredits < 0 {
		return fmt.Errorf("free daily credits must be >= 0, got %d", p.FreeDailyCredits)
	}
	if p.EmergencyPackCredits <= 0 {
		return fmt.Errorf("emergency pack credits must be > 0, got %d", p.EmergencyPackCredits)
	}
	if p.ReferralBonusCredits <= 0 {
		return fmt.Errorf("referral bonus credits must be > 0, got %d", p.ReferralBonusCredits)
	}
	return nil
}

// GrantKind identifies how a grant changes the balance.
type GrantKind string

const (
	GrantSetUnlimited    GrantKind = "set_unlimited"
	GrantAddFixedCredits GrantKind = "add_fixed_credits"
	GrantSetCredits      GrantKind = "set_credits"
)

// Grant is a credit-balance mutation triggered by a payment or promotional event.
type Grant struct {
	Kind    GrantKind
	Tier    entitlement.Tier // SetUnlimited only
	Credits int64            // AddFixedCredits and SetCredits only
}

// SetUnlimited moves the user to an unlimited tier.
func SetUnlimited(tier entitlement.Tier) Grant {
	return Grant{Kind: GrantSetUnlimited, Tier: tier}
}

// AddFixedCredits adds n credits to a finite balance.
func AddFixedCredits(n int64) Grant {
	return Grant{Kind: GrantAddFixedCredits, Credits: n}
}

// SetCredits overwrites a finite balance with n. Unspent credits are lost.
func SetCredits(n int64) Grant {
	return Grant{Kind: GrantSetCredits, Credits: n}
}

func (g Grant) String() string {
	switch g.Kind {
	case GrantSetUnlimited:
		return fmt.Sprintf("%s(%s)", g.Kind, g.Tier)
	default:
		return fmt.Sprintf("%s(%d)", g.Kind, g.Credits)
	}
}

// Outcome is the result of Consume.
type Outcome struct {
	Allowed     bool
	Entitlement *entitlement.Entitlement
}

// Engine applies the credit rules under a Policy.
type Engine struct {
	policy Policy
}

// NewEngine creates an Engine. The policy must already be valid.
func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Policy returns the engine's credit amounts.
func (e *Engine) Policy() Policy {
	return e.policy
}

// EmergencyPack is the grant applied for a one-time purchase.
func (e *Engine) EmergencyPack() Grant {
	return SetCredits(e.policy.EmergencyPackCredits)
}

// ReferralBonus is the grant applied to each side of a referral.
func (e *Engine) ReferralBonus() Grant {
	return AddFixedCredits(e.policy.ReferralBonusCredits)
}

// IsUnlimited reports whether every quota check for ent short-circuits to allowed.
func IsUnlimited(ent *entitlement.Entitlement) bool {
	if ent == nil {
		return false
	}
	return ent.Status.Unlimited() || ent.CreditsRemaining == entitlement.UnlimitedCredits
}

// TrialActive reports whether ent is inside its trial window at now.
func TrialActive(ent *entitlement.Entitlement, now time.Time) bool {
	return ent != nil && ent.Status == entitlement.TierTrial && ent.TrialActive(now)
}

// NewSignup returns the record for a freshly created user: free tier with the
// starter allowance, already counted as reset for the signup day.
func (e *Engine) NewSignup(userID string, now time.Time) *entitlement.Entitlement {
	now = now.UTC()
	return &entitlement.Entitlement{
		UserID:            userID,
		Status:            entitlement.TierFree,
		CreditsRemaining:  e.policy.StarterCredits,
		LastFreeResetDate: entitlement.DayKey(now),
		CreatedAt:         now,
	}
}

// ApplyGrant returns a copy of ent with g applied.
func (e *Engine) ApplyGrant(ent *entitlement.Entitlement, g Grant) (*entitlement.Entitlement, error) {
	if ent == nil {
		return nil, fmt.Errorf("apply %s: nil entitlement", g)
	}
	next := ent.Clone()

	switch g.Kind {
	case GrantSetUnlimited:
		if !g.Tier.Unlimited() {
			return nil, fmt.Errorf("apply %s: tier %q is not an unlimited tier", g, g.Tier)
		}
		next.Status = g.Tier
		next.CreditsRemaining = entitlement.UnlimitedCredits

	case GrantAddFixedCredits:
		if g.Credits <= 0 {
			return nil, fmt.Errorf("apply %s: credits must be positive", g)
		}
		if next.CreditsRemaining == entitlement.UnlimitedCredits {
			return next, nil
		}
		next.CreditsRemaining += g.Credits

	case GrantSetCredits:
		if g.Credits < 0 {
			return nil, fmt.Errorf("apply %s: credits must be >= 0", g)
		}
		// An unlimited tier keeps its sentinel; the tier governs access.
		if next.Status.Unlimited() {
			return next, nil
		}
		next.CreditsRemaining = g.Credits

	default:
		return nil, fmt.Errorf("unknown grant kind %q", g.Kind)
	}
	return next, nil
}

// MaybeResetDaily raises the balance to the free daily floor once per UTC day.
// A balance already above the floor, such as purchased or bonus credits, is
// kept. A user created today who still holds more than one credit keeps the
// starter allowance. The second return value reports whether a reset happened.
func (e *Engine) MaybeResetDaily(ent *entitlement.Entitlement, now time.Time) (*entitlement.Entitlement, bool) {
	next := ent.Clone()
	if IsUnlimited(next) {
		return next, false
	}
	today := entitlement.DayKey(now)
	if next.LastFreeResetDate == today {
		return next, false
	}
	if entitlement.DayKey(next.CreatedAt) == today && next.CreditsRemaining > 1 {
		return next, false
	}
	if next.CreditsRemaining < e.policy.FreeDailyCredits {
		next.CreditsRemaining = e.policy.FreeDailyCredits
	}
	next.LastFreeResetDate = today
	return next, true
}

// Consume spends one credit. The unlimited sentinel is never decremented.
func (e *Engine) Consume(ent *entitlement.Entitlement) Outcome {
	next := ent.Clone()
	switch {
	case next.CreditsRemaining == entitlement.UnlimitedCredits:
		return Outcome{Allowed: true, Entitlement: next}
	case next.CreditsRemaining > 0:
		next.CreditsRemaining--
		return Outcome{Allowed: true, Entitlement: next}
	default:
		return Outcome{Allowed: false, Entitlement: next}
	}
}

// Downgrade returns ent on the free tier with no credits and no reset recorded,
// so the next gate check floors the balance for the current day.
func (e *Engine) Downgrade(ent *entitlement.Entitlement) *entitlement.Entitlement {
	next := ent.Clone()
	next.Status = entitlement.TierFree
	next.CreditsRemaining = 0
	next.LastFreeResetDate = ""
	return next
}

// DenyReason explains a failed Consume for a user at now.
func DenyReason(ent *entitlement.Entitlement, now time.Time) string {
	if ent != nil && entitlement.DayKey(ent.CreatedAt) == entitlement.DayKey(now) {
		return ReasonStarterExhausted
	}
	return ReasonDailyLimitReached
}

// Deny reasons shared by the usage gate.
const (
	ReasonStarterExhausted  = "starter_exhausted"
	ReasonDailyLimitReached = "daily_limit_reached"
)

// SubscriptionActive reports whether a Stripe subscription status keeps the
// paid tier. Anything but "active" downgrades.
func SubscriptionActive(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), "active")
}
