package usagegate

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
	"github.com/rcourtman/receipt-entitlements/internal/logging"
)

const checkBodyLimit = 16 * 1024

type checkResponse struct {
	Decision
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleCheck decides a metered action.
// Route: POST /api/usage/check
func HandleCheck(g *Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		var req Request
		r.Body = http.MaxBytesReader(w, r.Body, checkBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}

		d, err := g.Check(r.Context(), req)
		if err != nil {
			status := internalerrors.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				logger := logging.FromContext(r.Context())
				logger.Error().Err(err).Str("user_id", req.UserID).Msg("Usage check failed")
			}
			writeJSON(w, status, errorResponse{Error: internalerrors.PublicMessage(err)})
			return
		}

		if !d.Allowed {
			writeJSON(w, http.StatusTooManyRequests, checkResponse{Decision: d, Message: denyMessage(d)})
			return
		}
		writeJSON(w, http.StatusOK, checkResponse{Decision: d})
	}
}

func denyMessage(d Decision) string {
	if d.Reason == ReasonQuotaUnavailable {
		return "Usage limits are temporarily unavailable. Please try again shortly."
	}
	return "You have used all of your free analyses. Upgrade for unlimited access or wait until " +
		d.ResetAt.UTC().Format(time.RFC3339) + "."
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("usagegate: encode response")
	}
}
