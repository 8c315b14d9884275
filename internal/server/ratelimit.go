package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rcourtman/receipt-entitlements/internal/auditlog"
	"github.com/rcourtman/receipt-entitlements/internal/logging"
	"github.com/rcourtman/receipt-entitlements/internal/metrics"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

// RequestKey picks the bucket a request is counted against.
type RequestKey func(r *http.Request) string

// ClientIPKey counts every request from one client address together. The
// Stripe webhook uses it: one sender, one endpoint.
func ClientIPKey(r *http.Request) string {
	return auditlog.ClientIP(r)
}

// RouteClientKey gives each client address its own budget per route pattern,
// so usage checks from a busy device cannot starve its referral redemption.
// Path values are not part of the key: stats lookups for many user ids share
// one bucket.
func RouteClientKey(r *http.Request) string {
	route := r.Pattern
	if route == "" {
		route = r.URL.Path
	}
	return route + " " + auditlog.ClientIP(r)
}

// RateLimiter is a sliding-window limiter for one class of routes.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	name     string
	key      RequestKey
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window for each
// bucket returned by key. name labels the rejection metric.
func NewRateLimiter(name string, limit int, window time.Duration, key RequestKey) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	if key == nil {
		key = ClientIPKey
	}
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		name:     name,
		key:      key,
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow records an attempt for bucket. When the bucket is full it reports
// false and how long until the oldest attempt leaves the window.
func (rl *RateLimiter) Allow(bucket string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	valid := rl.attempts[bucket][:0]
	for _, t := range rl.attempts[bucket] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.attempts[bucket] = valid
		return false, valid[0].Add(rl.window).Sub(now)
	}

	rl.attempts[bucket] = append(valid, now)
	return true, 0
}

// Prune drops buckets with no attempts inside the window.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	removed := 0
	for bucket, attempts := range rl.attempts {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(cutoff) {
			delete(rl.attempts, bucket)
			removed++
		}
	}
	return removed
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// rounded up to whole seconds.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.Allow(rl.key(r))
		if !ok {
			metrics.RateLimitedTotal.WithLabelValues(rl.name).Inc()
			logger := logging.FromContext(r.Context())
			logger.Debug().
				Str("limiter", rl.name).
				Str("path", r.URL.Path).
				Dur("retry_after", wait).
				Msg("Rate limited request")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}
