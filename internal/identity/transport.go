package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	defaultDNSCacheTTL = 5 * time.Minute
	defaultTimeout     = 10 * time.Second
)

// Resolver caches DNS lookups for the identity service host.
type Resolver struct {
	resolver *dnscache.Resolver
	ttl      time.Duration
}

// NewResolver creates a Resolver refreshed every ttl once Run is started.
func NewResolver(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultDNSCacheTTL
	}
	return &Resolver{resolver: &dnscache.Resolver{}, ttl: ttl}
}

// Run refreshes the cache until ctx is done.
func (r *Resolver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.resolver.Refresh(true)
			log.Debug().Dur("ttl", r.ttl).Msg("DNS cache refreshed")
		}
	}
}

// DialContext dials address using cached lookups, trying each address in turn.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := r.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}

	var dialer net.Dialer
	var errs []error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// apiKeyTransport adds the apikey header the gateway in front of the identity
// service expects next to the bearer token.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("apikey", t.key)
	return t.base.RoundTrip(req)
}

// NewHTTPClient returns a client authenticated with the service key. A nil
// resolver uses the default dialer.
func NewHTTPClient(serviceKey string, resolver *Resolver) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if resolver != nil {
		base.DialContext = resolver.DialContext
	}
	base.MaxIdleConnsPerHost = 10

	return &http.Client{
		Timeout: defaultTimeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: serviceKey, TokenType: "Bearer"}),
			Base:   &apiKeyTransport{key: serviceKey, base: base},
		},
	}
}
