package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/rcourtman/receipt-entitlements/internal/logging"
)

const adminKeyBcryptCost = 12

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
// When keyHash is set the presented key is checked against the bcrypt hash;
// otherwise it must equal adminKey.
func AdminKeyMiddleware(adminKey, keyHash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if !adminKeyValid(key, adminKey, keyHash) {
			logger := logging.FromContext(r.Context())
			logger.Warn().Str("path", r.URL.Path).Msg("Rejected admin request")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func adminKeyValid(key, adminKey, keyHash string) bool {
	if key == "" {
		return false
	}
	if keyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) == nil
	}
	if adminKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) == 1
}

// ClientKeyMiddleware guards the client-facing routes with the app key shared
// by first-party clients (X-Client-Key). An empty clientKey leaves the routes
// open. The key identifies the app, not the end user: user ids in request
// bodies are trusted as sent.
func ClientKeyMiddleware(clientKey string, next http.Handler) http.Handler {
	if clientKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Client-Key"))
		if subtle.ConstantTimeCompare([]byte(key), []byte(clientKey)) != 1 {
			logger := logging.FromContext(r.Context())
			logger.Warn().Str("path", r.URL.Path).Msg("Rejected client request")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashAdminKey returns the bcrypt hash accepted by ENT_ADMIN_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), adminKeyBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
