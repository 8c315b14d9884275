// Package ledger exposes the privileged read and write operations on user
// entitlements used by the UI backend, the admin CLI and the trial sweeper.
// Every write goes through the credit engine and is audited.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/auditlog"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
)

// DefaultTrialDuration is used when a trial is started without a length.
const DefaultTrialDuration = 7 * 24 * time.Hour

const maxTrialDuration = 90 * 24 * time.Hour

// Audit event types for ledger operations.
const (
	EventUserCreated       = "ledger.user_created"
	EventEmergencyCredits  = "ledger.emergency_credits"
	EventSubscriptionState = "ledger.subscription_status"
	EventSetCredits        = "ledger.set_credits"
	EventTrialStarted      = "ledger.trial_started"
	EventTrialExpired      = "ledger.trial_expired"
)

// Credits is the read model returned to clients.
type Credits struct {
	UserID           string           `json:"userId"`
	Status           entitlement.Tier `json:"subscriptionStatus"`
	CreditsRemaining int64            `json:"creditsRemaining"`
	Unlimited        bool             `json:"unlimited"`
	TrialActive      bool             `json:"trialActive"`
	TrialEnd         *time.Time       `json:"trialEnd,omitempty"`
	ResetAt          time.Time        `json:"resetAt"`
}

// Service implements the ledger operations.
type Service struct {
	store  entitlement.Store
	engine *accounting.Engine
	audit  auditlog.Recorder
	now    func() time.Time
}

// NewService creates a Service. audit may be nil.
func NewService(store entitlement.Store, engine *accounting.Engine, audit auditlog.Recorder) *Service {
	return &Service{store: store, engine: engine, audit: audit, now: time.Now}
}

// CreateUser creates a free user holding the starter allowance. An empty
// userID gets a generated one. Creating an existing user returns the stored
// record and false.
func (s *Service) CreateUser(ctx context.Context, userID string) (*entitlement.Entitlement, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		id, err := entitlement.GenerateUserID()
		if err != nil {
			return nil, false, err
		}
		userID = id
	}
	if !entitlement.IsSafeID(userID) {
		return nil, false, internalerrors.New(internalerrors.KindValidation, "create_user", userID,
			errors.New("invalid user id"))
	}

	ent := s.engine.NewSignup(userID, s.now())
	err := s.store.Create(ctx, ent)
	if errors.Is(err, entitlement.ErrAlreadyExists) {
		existing, getErr := s.store.Get(ctx, userID)
		if getErr != nil {
			return nil, false, fmt.Errorf("load existing user: %w", getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, internalerrors.New(internalerrors.KindStoreWrite, "create_user", userID, err)
	}

	s.record(ctx, ent, EventUserCreated, auditlog.ActorSystem, auditlog.OutcomeApplied, "")
	log.Info().Str("user_id", userID).Int64("credits", ent.CreditsRemaining).Msg("User created")
	return ent, true, nil
}

// GetUserCredits returns the user's effective balance. A daily reset that is
// due but not yet persisted is reflected in the result without writing it.
func (s *Service) GetUserCredits(ctx context.Context, userID string) (Credits, error) {
	ent, err := s.get(ctx, "get_user_credits", userID)
	if err != nil {
		return Credits{}, err
	}
	now := s.now().UTC()
	view, _ := s.engine.MaybeResetDaily(ent, now)

	c := Credits{
		UserID:           view.UserID,
		Status:           view.Status,
		CreditsRemaining: view.CreditsRemaining,
		Unlimited:        accounting.IsUnlimited(view),
		TrialActive:      accounting.TrialActive(view, now),
		TrialEnd:         view.TrialEnd,
		ResetAt:          entitlement.NextReset(now),
	}
	return c, nil
}

// AddEmergencyCredits applies the one-time emergency pack.
func (s *Service) AddEmergencyCredits(ctx context.Context, userID, actor string) (*entitlement.Entitlement, error) {
	grant := s.engine.EmergencyPack()
	return s.mutate(ctx, "add_emergency_credits", userID, actor, EventEmergencyCredits, grant.String(),
		func(e *entitlement.Entitlement) error {
			next, err := s.engine.ApplyGrant(e, grant)
			if err != nil {
				return err
			}
			*e = *next
			return nil
		})
}

// UpdateSubscriptionStatus moves the user to status. premium and founder
// become unlimited, trial starts a default-length trial, and free downgrades
// and drops the subscription link.
func (s *Service) UpdateSubscriptionStatus(ctx context.Context, userID string, status entitlement.Tier, subscriptionRef, actor string) (*entitlement.Entitlement, error) {
	if !status.Valid() {
		return nil, internalerrors.New(internalerrors.KindValidation, "update_subscription_status", userID,
			fmt.Errorf("unknown subscription status %q", status))
	}
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	if subscriptionRef != "" && !entitlement.IsSafeID(subscriptionRef) {
		return nil, internalerrors.New(internalerrors.KindValidation, "update_subscription_status", userID,
			errors.New("invalid subscription ref"))
	}
	if status == entitlement.TierTrial {
		return s.StartTrial(ctx, userID, DefaultTrialDuration, actor)
	}

	detail := "status=" + string(status)
	return s.mutate(ctx, "update_subscription_status", userID, actor, EventSubscriptionState, detail,
		func(e *entitlement.Entitlement) error {
			if status.Unlimited() {
				next, err := s.engine.ApplyGrant(e, accounting.SetUnlimited(status))
				if err != nil {
					return err
				}
				if subscriptionRef != "" {
					next.PaymentSubscriptionRef = subscriptionRef
				}
				*e = *next
				return nil
			}
			if e.Status == entitlement.TierFree {
				return entitlement.ErrNoChange
			}
			next := s.engine.Downgrade(e)
			next.PaymentSubscriptionRef = ""
			next.PaymentPriceRef = ""
			next.TrialStart, next.TrialEnd = nil, nil
			*e = *next
			return nil
		})
}

// SetCredits overwrites a finite balance. It is the privileged admin patch.
func (s *Service) SetCredits(ctx context.Context, userID string, credits int64, actor string) (*entitlement.Entitlement, error) {
	if credits < 0 {
		return nil, internalerrors.New(internalerrors.KindValidation, "set_credits", userID,
			errors.New("credits must be >= 0"))
	}
	grant := accounting.SetCredits(credits)
	return s.mutate(ctx, "set_credits", userID, actor, EventSetCredits, grant.String(),
		func(e *entitlement.Entitlement) error {
			next, err := s.engine.ApplyGrant(e, grant)
			if err != nil {
				return err
			}
			*e = *next
			return nil
		})
}

// StartTrial opens a trial window of duration starting now. Paid users are
// left unchanged.
func (s *Service) StartTrial(ctx context.Context, userID string, duration time.Duration, actor string) (*entitlement.Entitlement, error) {
	if duration <= 0 {
		duration = DefaultTrialDuration
	}
	if duration > maxTrialDuration {
		return nil, internalerrors.New(internalerrors.KindValidation, "start_trial", userID,
			fmt.Errorf("trial longer than %s", maxTrialDuration))
	}
	now := s.now().UTC()
	end := now.Add(duration)
	return s.mutate(ctx, "start_trial", userID, actor, EventTrialStarted, "until="+end.Format(time.RFC3339),
		func(e *entitlement.Entitlement) error {
			if e.Status.Unlimited() {
				return entitlement.ErrNoChange
			}
			start := now
			e.Status = entitlement.TierTrial
			e.TrialStart = &start
			e.TrialEnd = &end
			return nil
		})
}

// ExpireTrial moves an expired trial user back to free. It reports whether the
// user was changed.
func (s *Service) ExpireTrial(ctx context.Context, userID string) (bool, error) {
	now := s.now().UTC()
	changed := false
	_, err := s.mutate(ctx, "expire_trial", userID, auditlog.ActorSweeper, EventTrialExpired, "",
		func(e *entitlement.Entitlement) error {
			changed = false
			if e.Status != entitlement.TierTrial || accounting.TrialActive(e, now) {
				return entitlement.ErrNoChange
			}
			next := s.engine.Downgrade(e)
			*e = *next
			changed = true
			return nil
		})
	return changed, err
}

func (s *Service) get(ctx context.Context, op, userID string) (*entitlement.Entitlement, error) {
	userID = strings.TrimSpace(userID)
	ent, err := s.store.Get(ctx, userID)
	if errors.Is(err, entitlement.ErrNotFound) {
		return nil, internalerrors.New(internalerrors.KindUserNotFound, op, userID, err)
	}
	if err != nil {
		return nil, internalerrors.New(internalerrors.KindUnavailable, op, userID, err)
	}
	return ent, nil
}

// mutate applies fn through entitlement.Mutate and audits the result. An
// ErrNoChange from fn skips both the write and the audit entry.
func (s *Service) mutate(ctx context.Context, op, userID, actor, eventType, detail string, fn func(*entitlement.Entitlement) error) (*entitlement.Entitlement, error) {
	userID = strings.TrimSpace(userID)
	if actor == "" {
		actor = auditlog.ActorSystem
	}

	wrote := false
	updated, err := entitlement.Mutate(ctx, s.store, userID, func(e *entitlement.Entitlement) error {
		wrote = false
		if err := fn(e); err != nil {
			return err
		}
		wrote = true
		return nil
	})
	if errors.Is(err, entitlement.ErrNotFound) {
		return nil, internalerrors.New(internalerrors.KindUserNotFound, op, userID, err)
	}
	if err != nil {
		if internalerrors.KindOf(err) == internalerrors.KindValidation {
			return nil, err
		}
		return nil, internalerrors.New(internalerrors.KindStoreWrite, op, userID, err)
	}
	if !wrote {
		return updated, nil
	}

	outcome := auditlog.OutcomeAdmin
	if actor == auditlog.ActorSystem || actor == auditlog.ActorSweeper {
		outcome = auditlog.OutcomeApplied
	}
	s.record(ctx, updated, eventType, actor, outcome, detail)
	log.Info().
		Str("user_id", userID).
		Str("op", op).
		Str("actor", actor).
		Str("status", string(updated.Status)).
		Int64("credits", updated.CreditsRemaining).
		Msg("Entitlement updated")
	return updated, nil
}

func (s *Service) record(ctx context.Context, ent *entitlement.Entitlement, eventType, actor string, outcome auditlog.Outcome, detail string) {
	auditlog.RecordBestEffort(ctx, s.audit, auditlog.Entry{
		UserID:    ent.UserID,
		EventType: eventType,
		Actor:     actor,
		Outcome:   outcome,
		Status:    string(ent.Status),
		Credits:   auditlog.Int64(ent.CreditsRemaining),
		Detail:    detail,
	})
}
