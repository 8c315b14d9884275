package auditlog

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rcourtman/receipt-entitlements/internal/logging"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// HandleList serves GET /api/audit with optional user_id, event_id, outcome
// and limit query parameters.
func HandleList(s *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := Filter{
			UserID:  strings.TrimSpace(q.Get("user_id")),
			EventID: strings.TrimSpace(q.Get("event_id")),
			Outcome: Outcome(strings.TrimSpace(q.Get("outcome"))),
			Limit:   defaultListLimit,
		}
		if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxListLimit {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
				return
			}
			f.Limit = n
		}

		entries, err := s.List(r.Context(), f)
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Msg("Failed to list audit entries")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		if entries == nil {
			entries = []Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
