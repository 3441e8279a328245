package router

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cocopilot/cocopilot/pkg/config"
)

// Policy is the caching strategy applied to a request.
type Policy string

const (
	// NetworkFirst prefers a live fetch and falls back to the cache on failure.
	NetworkFirst Policy = "network-first"
	// CacheFirst prefers the cache and fetches only on a miss.
	CacheFirst Policy = "cache-first"
)

// Router classifies requests by hostname.
type Router struct {
	apiHost string
	origin  *url.URL
}

// New creates a Router from the worker configuration.
func New(cfg config.WorkerConfig) (*Router, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", cfg.Origin, err)
	}
	return &Router{apiHost: strings.ToLower(cfg.APIHost), origin: origin}, nil
}

// Resolve returns the policy for a request URL.
// A configured API host with a port is matched against host:port, otherwise
// only the hostname is compared.
func (r *Router) Resolve(u *url.URL) Policy {
	host := u.Hostname()
	if strings.Contains(r.apiHost, ":") {
		host = u.Host
	}
	if strings.EqualFold(host, r.apiHost) {
		return NetworkFirst
	}
	return CacheFirst
}

// SameOrigin reports whether u shares scheme, host and port with the origin.
func (r *Router) SameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, r.origin.Scheme) &&
		strings.EqualFold(hostPort(u), hostPort(r.origin))
}

// Origin returns the site origin.
func (r *Router) Origin() *url.URL {
	u := *r.origin
	return &u
}

// ResolveURL resolves a manifest path or absolute URL against the origin.
func (r *Router) ResolveURL(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", ref, err)
	}
	return r.origin.ResolveReference(u), nil
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return strings.ToLower(u.Hostname()) + ":" + port
}
