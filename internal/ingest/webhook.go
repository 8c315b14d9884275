// Package ingest verifies, deduplicates and applies Stripe webhook events.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/receipt-entitlements/internal/auditlog"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	"github.com/rcourtman/receipt-entitlements/internal/metrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// DefaultMaxAttempts is the number of failed deliveries after which an event
// is parked in dead letters.
const DefaultMaxAttempts = 5

// Webhook response statuses.
const (
	StatusProcessed    = "processed"
	StatusDuplicate    = "duplicate"
	StatusDeadLettered = "dead_lettered"
)

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret      string
	events      *EventStore
	dispatcher  *Dispatcher
	audit       auditlog.Recorder
	maxAttempts int
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, events *EventStore, dispatcher *Dispatcher, audit auditlog.Recorder, maxAttempts int) *WebhookHandler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &WebhookHandler{
		secret:      secret,
		events:      events,
		dispatcher:  dispatcher,
		audit:       audit,
		maxAttempts: maxAttempts,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event once.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warn().Err(err).Str("remote_ip", auditlog.ClientIP(r)).Msg("Stripe webhook signature rejected")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	ctx := r.Context()
	res, err := h.events.Do(ctx, event.ID, eventType, func(ctx context.Context) error {
		result, err := h.dispatcher.Dispatch(ctx, &event)
		if err != nil {
			return err
		}
		h.afterDispatch(ctx, &event, payload, result)
		return nil
	})

	switch {
	case errors.Is(err, ErrEventInFlight):
		log.Warn().
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook event is already in-flight; returning non-2xx so Stripe retries")
		status = http.StatusConflict
		writeJSON(w, status, webhookErrorResponse{Error: "event is being processed; retry later"})

	case err != nil && res.Attempts >= h.maxAttempts:
		if parkErr := h.parkFailed(ctx, &event, payload, res.Attempts, err); parkErr != nil {
			log.Error().Err(parkErr).Str("event_id", event.ID).Msg("Failed to park Stripe event")
			status = http.StatusInternalServerError
			writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
			return
		}
		status = http.StatusOK
		writeJSON(w, status, webhookReceivedResponse{Received: true, Status: StatusDeadLettered})

	case err != nil:
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Int("attempt", res.Attempts).
			Msg("Stripe webhook processing failed")
		auditlog.RecordBestEffort(ctx, h.audit, auditlog.Entry{
			EventID:   event.ID,
			EventType: eventType,
			Actor:     auditlog.ActorStripe,
			Outcome:   auditlog.OutcomeFailed,
			Detail:    fmt.Sprintf("attempt %d: %v", res.Attempts, err),
		})
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})

	case res.Duplicate:
		auditlog.RecordBestEffort(ctx, h.audit, auditlog.Entry{
			EventID:   event.ID,
			EventType: eventType,
			Actor:     auditlog.ActorStripe,
			Outcome:   auditlog.OutcomeDuplicate,
		})
		status = http.StatusOK
		writeJSON(w, status, webhookReceivedResponse{Received: true, Status: StatusDuplicate})

	default:
		status = http.StatusOK
		writeJSON(w, status, webhookReceivedResponse{Received: true, Status: StatusProcessed})
	}
}

// afterDispatch records the audit entry and parks events whose user is missing.
func (h *WebhookHandler) afterDispatch(ctx context.Context, event *stripelib.Event, payload []byte, result Result) {
	if !result.Handled {
		return
	}
	h.recordResult(ctx, event, result, auditlog.ActorStripe)

	if result.Outcome == auditlog.OutcomeUserNotFound {
		if _, err := h.events.Park(ctx, DeadLetter{
			EventID:   event.ID,
			EventType: string(event.Type),
			Payload:   payload,
			Reason:    ReasonUserNotFound,
			Detail:    result.Detail,
			Attempts:  1,
		}); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to park event for unknown user")
		}
	}
}

func (h *WebhookHandler) recordResult(ctx context.Context, event *stripelib.Event, result Result, actor string) {
	entry := auditlog.Entry{
		UserID:    result.UserID,
		EventID:   event.ID,
		EventType: string(event.Type),
		Actor:     actor,
		Outcome:   result.Outcome,
		Detail:    result.Detail,
	}
	if result.Entitlement != nil {
		entry.Status = string(result.Entitlement.Status)
		entry.Credits = auditlog.Int64(result.Entitlement.CreditsRemaining)
	}
	auditlog.RecordBestEffort(ctx, h.audit, entry)
}

func (h *WebhookHandler) parkFailed(ctx context.Context, event *stripelib.Event, payload []byte, attempts int, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if _, err := h.events.Park(ctx, DeadLetter{
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   payload,
		Reason:    ReasonMaxAttempts,
		Detail:    cause.Error(),
		Attempts:  attempts,
	}); err != nil {
		return err
	}
	if err := h.events.MarkDeadLettered(ctx, event.ID); err != nil {
		return err
	}
	auditlog.RecordBestEffort(ctx, h.audit, auditlog.Entry{
		EventID:   event.ID,
		EventType: string(event.Type),
		Actor:     auditlog.ActorStripe,
		Outcome:   auditlog.OutcomeFailed,
		Detail:    fmt.Sprintf("dead-lettered after %d attempts: %v", attempts, cause),
	})
	return nil
}

// Replay re-dispatches a parked event. The payload was verified when it was
// first received, so no signature is checked. The dead letter is resolved only
// when the event now applies.
func (h *WebhookHandler) Replay(ctx context.Context, deadLetterID, actor string) (Result, error) {
	dl, err := h.events.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return Result{}, err
	}

	var event stripelib.Event
	if err := json.Unmarshal(dl.Payload, &event); err != nil {
		return Result{}, fmt.Errorf("decode parked event %s: %w", dl.EventID, err)
	}

	result, err := h.dispatcher.Dispatch(ctx, &event)
	if err != nil {
		return Result{}, fmt.Errorf("replay %s: %w", dl.EventID, err)
	}
	h.recordResult(ctx, &event, result, actor)
	if result.Outcome == auditlog.OutcomeUserNotFound {
		return result, fmt.Errorf("replay %s: %w", dl.EventID, entitlement.ErrNotFound)
	}

	if err := h.events.ResolveDeadLetter(ctx, dl.ID); err != nil {
		return result, err
	}
	log.Info().
		Str("dead_letter_id", dl.ID).
		Str("event_id", dl.EventID).
		Str("actor", actor).
		Str("outcome", string(result.Outcome)).
		Msg("Replayed parked Stripe event")
	return result, nil
}

// Events exposes the processed-event and dead-letter store.
func (h *WebhookHandler) Events() *EventStore {
	return h.events
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("ingest: encode webhook response")
	}
}
