package accounting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
)

// TierResolver maps Stripe price IDs to paid tiers. Unknown prices resolve to
// premium.
type TierResolver struct {
	tiers map[string]entitlement.Tier
}

// NewTierResolver validates and copies a price->tier map.
func NewTierResolver(tiers map[string]entitlement.Tier) (*TierResolver, error) {
	r := &TierResolver{tiers: make(map[string]entitlement.Tier, len(tiers))}
	for price, tier := range tiers {
		price = strings.TrimSpace(price)
		if !entitlement.IsSafeID(price) {
			return nil, fmt.Errorf("invalid price id %q", price)
		}
		if !tier.Unlimited() {
			return nil, fmt.Errorf("price %s: tier %q is not premium or founder", price, tier)
		}
		r.tiers[price] = tier
	}
	return r, nil
}

// ParsePriceTiers parses "price_a=founder,price_b=premium".
func ParsePriceTiers(raw string) (map[string]entitlement.Tier, error) {
	out := make(map[string]entitlement.Tier)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		price, tierName, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("price tier %q: expected price=tier", pair)
		}
		tier, err := entitlement.ParseTier(tierName)
		if err != nil {
			return nil, fmt.Errorf("price tier %q: %w", pair, err)
		}
		price = strings.TrimSpace(price)
		if _, dup := out[price]; dup {
			return nil, fmt.Errorf("price %s listed twice", price)
		}
		out[price] = tier
	}
	return out, nil
}

// Resolve returns the tier for priceRef.
func (r *TierResolver) Resolve(priceRef string) entitlement.Tier {
	if r != nil {
		if tier, ok := r.tiers[strings.TrimSpace(priceRef)]; ok {
			return tier
		}
	}
	return entitlement.TierPremium
}

// Prices returns the configured price IDs in sorted order.
func (r *TierResolver) Prices() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.tiers))
	for p := range r.tiers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
