// Package httpclient builds the outbound HTTP client used for Stripe API
// calls. Lookups go through a refreshed in-process DNS cache.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultClientTimeout = 30 * time.Second
)

// Resolver caches DNS lookups and refreshes them every TTL while Run is active.
type Resolver struct {
	cache *dnscache.Resolver
	ttl   time.Duration
}

// NewResolver creates a Resolver. A non-positive ttl uses five minutes.
func NewResolver(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Resolver{cache: &dnscache.Resolver{}, ttl: ttl}
}

// Run refreshes the cache until ctx is cancelled. Entries unused since the
// previous refresh are dropped.
func (r *Resolver) Run(ctx context.Context) {
	log.Info().Dur("ttl", r.ttl).Msg("DNS cache refresher started")

	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cache.Refresh(true)
			log.Debug().Dur("ttl", r.ttl).Msg("DNS cache refreshed")
		}
	}
}

// DialContext resolves the host through the cache and dials the first
// address that accepts a connection.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := r.cache.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// NewClient returns an HTTP client that dials through r.
func NewClient(r *Resolver, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = r.DialContext
	transport.MaxIdleConnsPerHost = 10
	return &http.Client{Transport: transport, Timeout: timeout}
}

// ConfigureStripe sets the Stripe API key and routes API calls through client.
func ConfigureStripe(apiKey string, client *http.Client) {
	stripelib.Key = apiKey
	backend := stripelib.GetBackendWithConfig(stripelib.APIBackend, &stripelib.BackendConfig{
		HTTPClient: client,
	})
	stripelib.SetBackend(stripelib.APIBackend, backend)
}
