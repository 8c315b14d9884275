package server

import (
	"net/http"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

const (
	corsAllowMethods = "GET, POST, PUT, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-Admin-Key, X-Client-Key, X-Request-ID"
)

// corsMiddleware reflects the request origin when it matches one of the
// allowed patterns ("https://*.example.com", "*"). Preflight requests are
// answered directly.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	if len(allowed) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		matched := origin != "" && originAllowed(allowed, origin)
		if origin != "" {
			w.Header().Add("Vary", "Origin")
		}
		if matched {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !matched {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	origin = strings.ToLower(origin)
	for _, pattern := range allowed {
		pattern = strings.ToLower(pattern)
		if pattern == "*" || pattern == origin {
			return true
		}
		first, last := strings.Index(pattern, "*"), strings.LastIndex(pattern, "*")
		if first < 0 {
			continue
		}
		// wildcard treats '.' as any single character; pin the literal
		// scheme prefix and host suffix.
		if !strings.HasPrefix(origin, pattern[:first]) || !strings.HasSuffix(origin, pattern[last+1:]) {
			continue
		}
		if wildcard.Match(pattern, origin) {
			return true
		}
	}
	return false
}
