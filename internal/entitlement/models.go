package entitlement

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Tier is the subscription status of a user.
type Tier string

const (
	TierFree    Tier = "free"
	TierTrial   Tier = "trial"
	TierPremium Tier = "premium"
	TierFounder Tier = "founder"
)

// UnlimitedCredits is the CreditsRemaining sentinel for unlimited use. It is
// never decremented or compared against a balance.
const UnlimitedCredits int64 = -1

// AllTiers lists every valid tier in display order.
var AllTiers = []Tier{TierFree, TierTrial, TierPremium, TierFounder}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierTrial, TierPremium, TierFounder:
		return true
	default:
		return false
	}
}

// Unlimited reports whether the tier short-circuits every quota check.
func (t Tier) Unlimited() bool {
	return t == TierPremium || t == TierFounder
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
	return t, nil
}

// Entitlement is the durable per-user record that decides access to the metered feature.
type Entitlement struct {
	UserID                 string     `json:"user_id"`
	Status                 Tier       `json:"subscription_status"`
	CreditsRemaining       int64      `json:"credits_remaining"`
	LastFreeResetDate      string     `json:"last_free_reset_date"` // YYYY-MM-DD, UTC
	TrialStart             *time.Time `json:"trial_start,omitempty"`
	TrialEnd               *time.Time `json:"trial_end,omitempty"`
	PaymentCustomerRef     string     `json:"payment_customer_ref"`
	PaymentSubscriptionRef string     `json:"payment_subscription_ref"`
	PaymentPriceRef        string     `json:"payment_price_ref"`
	SubscriptionEventAt    int64      `json:"subscription_event_at"` // unix seconds of the last applied subscription-state event
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	Version                int64      `json:"version"`
}

// Clone returns a deep copy of e.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	if e.TrialStart != nil {
		ts := *e.TrialStart
		c.TrialStart = &ts
	}
	if e.TrialEnd != nil {
		te := *e.TrialEnd
		c.TrialEnd = &te
	}
	return &c
}

// TrialActive reports whether now falls inside [TrialStart, TrialEnd).
func (e *Entitlement) TrialActive(now time.Time) bool {
	if e == nil || e.TrialStart == nil || e.TrialEnd == nil {
		return false
	}
	return !now.Before(*e.TrialStart) && now.Before(*e.TrialEnd)
}

// DayKey returns the UTC calendar day of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextReset returns the next UTC midnight after now.
func NextReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateUserID returns a user ID of the form "u_" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateUserID() (string, error) {
	s, err := RandomCrockford(10)
	if err != nil {
		return "", fmt.Errorf("generate user id: %w", err)
	}
	return "u_" + s, nil
}

// RandomCrockford returns n random Crockford base32 characters.
func RandomCrockford(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// IsSafeID validates that an external identifier (user ID, cus_..., sub_...,
// price_...) is safe for use as a lookup key.
func IsSafeID(id string) bool {
	if len(id) < 3 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
