package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/auditlog"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
	"github.com/rcourtman/receipt-entitlements/internal/metrics"
)

// SubscriptionFetcher reads a subscription from the payment processor.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// Result describes what a dispatched event did.
type Result struct {
	Handled     bool
	UserID      string
	Outcome     auditlog.Outcome
	Entitlement *entitlement.Entitlement
	Detail      string
}

// Dispatcher maps verified Stripe events onto entitlement mutations.
type Dispatcher struct {
	store         entitlement.Store
	engine        *accounting.Engine
	tiers         *accounting.TierResolver
	subscriptions SubscriptionFetcher
	fetchTimeout  time.Duration
}

// NewDispatcher creates a Dispatcher. subscriptions may be nil when no Stripe
// API key is configured; recurring checkouts then rely on session metadata.
func NewDispatcher(store entitlement.Store, engine *accounting.Engine, tiers *accounting.TierResolver, subscriptions SubscriptionFetcher) *Dispatcher {
	return &Dispatcher{
		store:         store,
		engine:        engine,
		tiers:         tiers,
		subscriptions: subscriptions,
		fetchTimeout:  5 * time.Second,
	}
}

// Dispatch applies event. Errors are retryable; a missing user is reported as
// an OutcomeUserNotFound result, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, event *stripelib.Event) (Result, error) {
	if event == nil || event.Data == nil {
		return Result{}, fmt.Errorf("event has no data")
	}

	var res Result
	var err error
	switch string(event.Type) {
	case EventCheckoutCompleted:
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return Result{}, fmt.Errorf("decode checkout.session: %w", err)
		}
		res, err = d.handleCheckout(ctx, event, session)

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return Result{}, fmt.Errorf("decode subscription: %w", err)
		}
		res, err = d.handleSubscriptionChange(ctx, event, sub)

	case EventInvoicePaymentFailed:
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return Result{}, fmt.Errorf("decode invoice: %w", err)
		}
		res, err = d.handlePaymentFailed(ctx, event, inv)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return Result{Outcome: auditlog.OutcomeIgnored}, nil
	}
	if err != nil {
		return Result{}, err
	}

	res.Handled = true
	metrics.EventOutcomesTotal.WithLabelValues(string(event.Type), string(res.Outcome)).Inc()
	return res, nil
}

func (d *Dispatcher) handleCheckout(ctx context.Context, event *stripelib.Event, session CheckoutSession) (Result, error) {
	customerID := strings.TrimSpace(session.Customer)
	ent, err := d.resolveCheckoutUser(ctx, customerID, session.ClientReferenceID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return d.userNotFound(event, customerID), nil
		}
		return Result{}, err
	}
	userID := ent.UserID

	var grant accounting.Grant
	var subscriptionID, priceID string
	mode := strings.TrimSpace(session.Mode)
	switch mode {
	case ModePayment:
		grant = d.engine.EmergencyPack()

	case ModeSubscription:
		subscriptionID = strings.TrimSpace(session.Subscription)
		priceID, err = d.subscriptionPrice(ctx, subscriptionID, session.Metadata)
		if err != nil {
			return Result{}, internalerrors.New(internalerrors.KindPriceResolution, "resolve_checkout_price", userID, err)
		}
		grant = accounting.SetUnlimited(d.tiers.Resolve(priceID))

	default:
		return Result{Outcome: auditlog.OutcomeIgnored, UserID: userID, Detail: "unsupported checkout mode " + mode}, nil
	}

	outcome := auditlog.OutcomeApplied
	detail := grant.String()
	updated, err := entitlement.Mutate(ctx, d.store, userID, func(e *entitlement.Entitlement) error {
		outcome = auditlog.OutcomeApplied
		if mode == ModeSubscription && event.Created < e.SubscriptionEventAt {
			outcome = auditlog.OutcomeStale
			return entitlement.ErrNoChange
		}
		next, err := d.engine.ApplyGrant(e, grant)
		if err != nil {
			return err
		}
		*e = *next
		if customerID != "" {
			e.PaymentCustomerRef = customerID
		}
		if mode == ModeSubscription {
			e.PaymentSubscriptionRef = subscriptionID
			e.PaymentPriceRef = priceID
			e.SubscriptionEventAt = event.Created
		}
		return nil
	})
	if err != nil {
		return Result{}, internalerrors.New(internalerrors.KindStoreWrite, "apply_checkout", userID, err)
	}

	log.Info().
		Str("event_id", event.ID).
		Str("user_id", userID).
		Str("mode", mode).
		Str("grant", detail).
		Str("outcome", string(outcome)).
		Msg("Checkout applied")
	return Result{UserID: userID, Outcome: outcome, Entitlement: updated, Detail: detail}, nil
}

// resolveCheckoutUser finds the user by Stripe customer, falling back to the
// client_reference_id (our own user ID) set when the session was created.
func (d *Dispatcher) resolveCheckoutUser(ctx context.Context, customerID, clientReferenceID string) (*entitlement.Entitlement, error) {
	if customerID != "" {
		ent, err := d.store.GetByCustomerRef(ctx, customerID)
		if err == nil {
			return ent, nil
		}
		if !errors.Is(err, entitlement.ErrNotFound) {
			return nil, fmt.Errorf("lookup user by customer: %w", err)
		}
	}

	ref := strings.TrimSpace(clientReferenceID)
	if ref == "" || !entitlement.IsSafeID(ref) {
		return nil, entitlement.ErrNotFound
	}
	ent, err := d.store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lookup user by client reference: %w", err)
	}
	return ent, nil
}

func (d *Dispatcher) subscriptionPrice(ctx context.Context, subscriptionID string, metadata map[string]string) (string, error) {
	if d.subscriptions != nil && subscriptionID != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, d.fetchTimeout)
		defer cancel()
		sub, err := d.subscriptions.GetSubscription(fetchCtx, subscriptionID)
		if err != nil {
			return "", fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
		}
		if priceID := sub.FirstPriceID(); priceID != "" {
			return priceID, nil
		}
	}
	if priceID := strings.TrimSpace(metadata["price_ref"]); priceID != "" {
		return priceID, nil
	}
	return "", fmt.Errorf("no price found for subscription %q", subscriptionID)
}

func (d *Dispatcher) handleSubscriptionChange(ctx context.Context, event *stripelib.Event, sub Subscription) (Result, error) {
	customerID := strings.TrimSpace(sub.Customer)
	ent, err := d.store.GetByCustomerRef(ctx, customerID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return d.userNotFound(event, customerID), nil
		}
		return Result{}, fmt.Errorf("lookup user by customer: %w", err)
	}
	userID := ent.UserID

	active := string(event.Type) == EventSubscriptionUpdated && accounting.SubscriptionActive(sub.Status)
	priceID := sub.FirstPriceID()

	outcome := auditlog.OutcomeApplied
	detail := ""
	updated, err := entitlement.Mutate(ctx, d.store, userID, func(e *entitlement.Entitlement) error {
		outcome = auditlog.OutcomeApplied
		if event.Created < e.SubscriptionEventAt {
			outcome = auditlog.OutcomeStale
			detail = "older than last applied subscription event"
			return entitlement.ErrNoChange
		}

		switch {
		case active:
			tier := d.tiers.Resolve(priceID)
			next, err := d.engine.ApplyGrant(e, accounting.SetUnlimited(tier))
			if err != nil {
				return err
			}
			*e = *next
			e.PaymentSubscriptionRef = strings.TrimSpace(sub.ID)
			e.PaymentPriceRef = priceID
			detail = "subscription " + sub.Status + " -> " + string(tier)

		case e.PaymentSubscriptionRef != "" && sub.ID != "" && e.PaymentSubscriptionRef != sub.ID:
			// A different, newer subscription owns the entitlement.
			outcome = auditlog.OutcomeIgnored
			detail = "subscription " + sub.ID + " superseded by " + e.PaymentSubscriptionRef
			return entitlement.ErrNoChange

		case !e.Status.Unlimited():
			// Already off the paid tier; keep any one-time credits.
			detail = "subscription " + sub.Status + "; no paid tier to remove"

		default:
			*e = *d.engine.Downgrade(e)
			detail = "subscription " + sub.Status + " -> free"
		}
		e.SubscriptionEventAt = event.Created
		return nil
	})
	if err != nil {
		return Result{}, internalerrors.New(internalerrors.KindStoreWrite, "apply_subscription", userID, err)
	}

	log.Info().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("user_id", userID).
		Str("subscription_id", sub.ID).
		Str("status", sub.Status).
		Str("outcome", string(outcome)).
		Msg("Subscription change applied")
	return Result{UserID: userID, Outcome: outcome, Entitlement: updated, Detail: detail}, nil
}

// handlePaymentFailed reports the failure without touching the entitlement.
// Downgrade happens only when Stripe moves the subscription out of active.
func (d *Dispatcher) handlePaymentFailed(ctx context.Context, event *stripelib.Event, inv Invoice) (Result, error) {
	res := Result{
		Outcome: auditlog.OutcomeIgnored,
		Detail:  fmt.Sprintf("invoice %s payment failed (attempt %d); no state change", inv.ID, inv.AttemptCount),
	}
	if ent, err := d.store.GetByCustomerRef(ctx, strings.TrimSpace(inv.Customer)); err == nil {
		res.UserID = ent.UserID
		res.Entitlement = ent
	}

	log.Warn().
		Str("event_id", event.ID).
		Str("invoice_id", inv.ID).
		Str("customer_id", inv.Customer).
		Str("user_id", res.UserID).
		Int64("attempt_count", inv.AttemptCount).
		Msg("Stripe invoice payment failed")
	return res, nil
}

func (d *Dispatcher) userNotFound(event *stripelib.Event, customerID string) Result {
	log.Warn().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("customer_id", customerID).
		Msg("Stripe event references unknown user; parking for replay")
	return Result{
		Outcome: auditlog.OutcomeUserNotFound,
		Detail:  "no user for customer " + customerID,
	}
}
