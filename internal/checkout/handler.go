// Package checkout creates Stripe Checkout sessions for subscriptions and
// one-time emergency packs.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/price"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
	"github.com/rcourtman/receipt-entitlements/internal/logging"
)

const (
	defaultStripeTimeout = 10 * time.Second
	maxBodyBytes         = 16 * 1024

	// Stripe substitutes the session id into the success URL.
	sessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"
)

// Session modes returned to the client.
const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"
)

type sessionRequest struct {
	PriceRef string `json:"priceRef"`
	UserID   string `json:"userId"`
}

// SessionResponse is returned on success.
type SessionResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	Mode      string `json:"mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves POST /api/checkout/session.
type Handler struct {
	store   entitlement.Store
	baseURL string
	timeout time.Duration

	getPrice              func(id string, params *stripelib.PriceParams) (*stripelib.Price, error)
	newCustomer           func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)

	priceLookups singleflight.Group
}

// NewHandler creates a Handler using the globally configured Stripe key.
// baseURL is the public origin used for the success and cancel URLs.
func NewHandler(store entitlement.Store, baseURL string) *Handler {
	return &Handler{
		store:                 store,
		baseURL:               strings.TrimSpace(baseURL),
		timeout:               defaultStripeTimeout,
		getPrice:              price.Get,
		newCustomer:           customer.New,
		createCheckoutSession: stripesession.New,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req sessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	req.PriceRef = strings.TrimSpace(req.PriceRef)
	req.UserID = strings.TrimSpace(req.UserID)
	if !entitlement.IsSafeID(req.PriceRef) || !entitlement.IsSafeID(req.UserID) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "priceRef and userId are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	logger := logging.FromContext(r.Context())

	ent, err := h.store.Get(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
			return
		}
		logger.Error().Err(err).Str("user_id", req.UserID).Msg("Checkout: failed to load entitlement")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service temporarily unavailable; retry later"})
		return
	}

	mode, err := h.resolveMode(ctx, req.PriceRef)
	if err != nil {
		logger.Warn().Err(err).Str("price_ref", req.PriceRef).Msg("Checkout: price resolution failed")
		writeJSON(w, internalerrors.HTTPStatus(err), errorResponse{Error: internalerrors.PublicMessage(err)})
		return
	}

	customerRef, err := h.ensureCustomer(ctx, ent)
	if err != nil {
		logger.Error().Err(err).Str("user_id", req.UserID).Msg("Checkout: failed to link Stripe customer")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "unable to create checkout session"})
		return
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(mode),
		Customer:          stripelib.String(customerRef),
		ClientReferenceID: stripelib.String(req.UserID),
		SuccessURL:        stripelib.String(h.successURL()),
		CancelURL:         stripelib.String(buildURL(h.baseURL, "/checkout/cancel", nil)),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(req.PriceRef),
				Quantity: stripelib.Int64(1),
			},
		},
		Metadata: map[string]string{
			"user_id":   req.UserID,
			"price_ref": req.PriceRef,
		},
	}
	params.Context = ctx

	session, err := h.createCheckoutSession(params)
	if err != nil {
		logger.Error().Err(err).Str("user_id", req.UserID).Str("price_ref", req.PriceRef).Msg("Checkout: session creation failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "unable to create checkout session"})
		return
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		logger.Error().Str("user_id", req.UserID).Msg("Checkout: Stripe returned empty checkout URL")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "unable to create checkout session"})
		return
	}

	log.Info().
		Str("user_id", req.UserID).
		Str("price_ref", req.PriceRef).
		Str("session_id", session.ID).
		Str("mode", mode).
		Msg("Checkout session created")
	writeJSON(w, http.StatusOK, SessionResponse{SessionID: session.ID, URL: session.URL, Mode: mode})
}

// resolveMode looks up priceRef and derives the session mode. Concurrent
// lookups of the same price share one Stripe call, which runs under its own
// timeout so one caller going away does not fail the others.
func (h *Handler) resolveMode(ctx context.Context, priceRef string) (string, error) {
	ch := h.priceLookups.DoChan(priceRef, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()
		params := &stripelib.PriceParams{}
		params.Context = lookupCtx
		return h.getPrice(priceRef, params)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", internalerrors.New(internalerrors.KindUnavailable, "checkout", "", fmt.Errorf("get price %s: %w", priceRef, ctx.Err()))
	}
	v, err := res.Val, res.Err
	if err != nil {
		return "", internalerrors.New(internalerrors.KindPriceResolution, "checkout", "", fmt.Errorf("get price %s: %w", priceRef, err))
	}
	p, _ := v.(*stripelib.Price)
	if p == nil {
		return "", internalerrors.New(internalerrors.KindPriceResolution, "checkout", "", fmt.Errorf("price %s not found", priceRef))
	}
	if !p.Active {
		return "", internalerrors.New(internalerrors.KindPriceResolution, "checkout", "", fmt.Errorf("price %s is inactive", priceRef))
	}
	if p.Recurring != nil || p.Type == stripelib.PriceTypeRecurring {
		return ModeSubscription, nil
	}
	return ModePayment, nil
}

// ensureCustomer returns the user's Stripe customer, creating and linking one
// on first checkout. Users are never matched to customers by email.
func (h *Handler) ensureCustomer(ctx context.Context, ent *entitlement.Entitlement) (string, error) {
	if ent.PaymentCustomerRef != "" {
		return ent.PaymentCustomerRef, nil
	}

	params := &stripelib.CustomerParams{}
	params.Context = ctx
	params.AddMetadata("user_id", ent.UserID)
	cust, err := h.newCustomer(params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	if cust == nil || cust.ID == "" {
		return "", errors.New("stripe returned empty customer")
	}

	updated, err := entitlement.Mutate(ctx, h.store, ent.UserID, func(e *entitlement.Entitlement) error {
		if e.PaymentCustomerRef != "" {
			return entitlement.ErrNoChange
		}
		e.PaymentCustomerRef = cust.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("link customer: %w", err)
	}
	if updated.PaymentCustomerRef != cust.ID {
		log.Warn().
			Str("user_id", ent.UserID).
			Str("orphan_customer", cust.ID).
			Str("customer", updated.PaymentCustomerRef).
			Msg("Checkout: customer linked concurrently, using existing link")
	}
	return updated.PaymentCustomerRef, nil
}

func (h *Handler) successURL() string {
	u := buildURL(h.baseURL, "/checkout/success", nil)
	return u + "?session_id=" + sessionIDPlaceholder
}

func buildURL(baseURL, path string, query url.Values) string {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return path
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return path
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("checkout: encode response")
	}
}
