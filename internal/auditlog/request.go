package auditlog

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the best-effort client IP for audit metadata.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// ActorFromRequest names the operator behind an admin API call. An explicit
// X-Actor-ID header wins; otherwise the caller is identified by IP.
func ActorFromRequest(r *http.Request) string {
	if r == nil {
		return ActorSystem
	}
	if v := strings.TrimSpace(r.Header.Get("X-Actor-ID")); v != "" {
		return "admin:" + v
	}
	if ip := ClientIP(r); ip != "" {
		return "admin@" + ip
	}
	return "admin"
}
