package ingest

import (
	"context"
	"fmt"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
)

// StripeSubscriptions fetches subscriptions through the Stripe API.
type StripeSubscriptions struct {
	getSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

// NewStripeSubscriptions uses the globally configured Stripe key and backend.
func NewStripeSubscriptions() *StripeSubscriptions {
	return &StripeSubscriptions{getSubscription: subscription.Get}
}

func (s *StripeSubscriptions) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.getSubscription(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe subscription get: %w", err)
	}

	out := &Subscription{ID: sub.ID, Status: string(sub.Status)}
	if sub.Customer != nil {
		out.Customer = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			var si SubscriptionItem
			si.Price.ID = item.Price.ID
			out.Items.Data = append(out.Items.Data, si)
		}
	}
	return out, nil
}
