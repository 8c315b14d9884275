package referral

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
	"github.com/rcourtman/receipt-entitlements/internal/logging"
)

const redeemBodyLimit = 16 * 1024

type redeemRequest struct {
	Code      string `json:"code"`
	RefereeID string `json:"refereeId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleRedeem redeems a referral code for the calling referee.
// Route: POST /api/referrals/redeem
func HandleRedeem(l *Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req redeemRequest
		r.Body = http.MaxBytesReader(w, r.Body, redeemBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}

		res, err := l.Redeem(r.Context(), req.Code, req.RefereeID)
		if err != nil {
			writeError(w, r, err, req.RefereeID)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleStats returns a user's referral code and totals.
// Route: GET /api/referrals/{user_id}
func HandleStats(l *Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		stats, err := l.Stats(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, userID)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, userID string) {
	status := internalerrors.HTTPStatus(err)
	msg := internalerrors.PublicMessage(err)
	switch {
	case errors.Is(err, ErrSelfReferral):
		msg = ErrSelfReferral.Error()
	case errors.Is(err, ErrAlreadyReferred):
		msg = ErrAlreadyReferred.Error()
	}
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("user_id", userID).Msg("Referral request failed")
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("referral: encode response")
	}
}
