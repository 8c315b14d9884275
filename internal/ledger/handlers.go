package ledger

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/receipt-entitlements/internal/auditlog"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
	"github.com/rcourtman/receipt-entitlements/internal/logging"
)

const maxBodyBytes = 16 * 1024

type createUserRequest struct {
	UserID string `json:"userId"`
}

type createUserResponse struct {
	Created     bool                     `json:"created"`
	Entitlement *entitlement.Entitlement `json:"entitlement"`
}

type subscriptionRequest struct {
	Status          string `json:"status"`
	SubscriptionRef string `json:"subscriptionRef"`
}

type setCreditsRequest struct {
	Credits *int64 `json:"credits"`
}

type trialRequest struct {
	Days int `json:"days"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleCreateUser creates a user with the starter allowance.
// Route: POST /api/users
func HandleCreateUser(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createUserRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		ent, created, err := svc.CreateUser(r.Context(), req.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, createUserResponse{Created: created, Entitlement: ent})
	}
}

// HandleGetCredits returns a user's effective balance.
// Route: GET /api/users/{user_id}/credits
func HandleGetCredits(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credits, err := svc.GetUserCredits(r.Context(), r.PathValue("user_id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, credits)
	}
}

// HandleSetCredits overwrites a user's finite balance.
// Route: PUT /api/users/{user_id}/credits
func HandleSetCredits(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setCreditsRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if req.Credits == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "credits is required"})
			return
		}
		ent, err := svc.SetCredits(r.Context(), r.PathValue("user_id"), *req.Credits, auditlog.ActorFromRequest(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	}
}

// HandleEmergencyCredits applies the emergency pack.
// Route: POST /api/users/{user_id}/emergency-credits
func HandleEmergencyCredits(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ent, err := svc.AddEmergencyCredits(r.Context(), r.PathValue("user_id"), auditlog.ActorFromRequest(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	}
}

// HandleUpdateSubscription sets a user's subscription status.
// Route: POST /api/users/{user_id}/subscription
func HandleUpdateSubscription(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req subscriptionRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		status, err := entitlement.ParseTier(req.Status)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		ent, err := svc.UpdateSubscriptionStatus(r.Context(), r.PathValue("user_id"), status, req.SubscriptionRef, auditlog.ActorFromRequest(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	}
}

// HandleStartTrial starts a trial.
// Route: POST /api/users/{user_id}/trial
func HandleStartTrial(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req trialRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		if req.Days < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "days must be positive"})
			return
		}
		duration := time.Duration(req.Days) * 24 * time.Hour
		ent, err := svc.StartTrial(r.Context(), r.PathValue("user_id"), duration, auditlog.ActorFromRequest(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ent)
	}
}

// decodeBody decodes a JSON body into v. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
	return false
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := internalerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Ledger request failed")
	}
	msg := internalerrors.PublicMessage(err)
	if internalerrors.KindOf(err) == internalerrors.KindValidation {
		var le *internalerrors.LedgerError
		if errors.As(err, &le) {
			msg = strings.TrimSpace(le.Err.Error())
		}
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("ledger: encode response")
	}
}
