// Package clientip resolves the caller's address from a raw connection address and an
// optional X-Forwarded-For header.
//
// X-Forwarded-For is client-controlled: anything a client puts in the header survives every
// proxy hop, because proxies append rather than replace. The Resolver therefore only trusts
// the header when it is configured with the number of proxies that sit in front of the
// service, and falls back to the connection address whenever the header does not match
// that topology.
//
// Example:
//
//	r := clientip.NewResolver(1) // one load balancer in front
//	ip := r.Resolve(req.RemoteAddr, req.Header.Get("X-Forwarded-For"))
package clientip

import (
	"net"
	"net/netip"
	"strings"
)

// Policy selects which X-Forwarded-For hop is treated as the client.
type Policy int

const (
	// Leftmost returns the first hop, but only when the header holds exactly as many hops
	// as there are trusted proxies. A header with extra hops was partly written by the
	// client and is ignored.
	Leftmost Policy = iota

	// Rightmost skips the hops appended by trusted proxies, counting from the right, and
	// returns the next one. Extra hops written by the client are never reached.
	Rightmost
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case Leftmost:
		return "leftmost"
	case Rightmost:
		return "rightmost"
	default:
		return "unknown"
	}
}

// Resolver picks the caller IP according to a trust policy.
// A Resolver is immutable and safe for concurrent use.
type Resolver struct {
	trustedProxies int
	policy         Policy
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicy sets the hop selection policy (default: Leftmost).
func WithPolicy(p Policy) Option {
	return func(r *Resolver) {
		r.policy = p
	}
}

// NewResolver creates a Resolver for a deployment with trustedProxies proxies in front of
// the service. With zero trusted proxies the forwarded-for header is always ignored.
func NewResolver(trustedProxies int, opts ...Option) *Resolver {
	r := &Resolver{
		trustedProxies: max(0, trustedProxies),
		policy:         Leftmost,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the caller IP. It never fails: any parse problem yields the connection
// address with its port stripped.
func (r *Resolver) Resolve(connectionIP, forwardedFor string) string {
	conn := normalize(stripPort(connectionIP))

	forwardedFor = strings.TrimSpace(forwardedFor)
	if forwardedFor == "" || r.trustedProxies == 0 {
		return conn
	}

	hops := strings.Split(forwardedFor, ",")

	var candidate string
	switch r.policy {
	case Rightmost:
		idx := len(hops) - r.trustedProxies
		if idx < 0 {
			return conn
		}
		candidate = hops[idx]
	default:
		if len(hops) != r.trustedProxies {
			return conn
		}
		candidate = hops[0]
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(candidate))
	if err != nil {
		return conn
	}
	return addr.Unmap().String()
}

func stripPort(addr string) string {
	addr = strings.TrimSpace(addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// normalize canonicalizes a parsable address so "::ffff:1.2.3.4" and "1.2.3.4" share a
// rate limit identity. Unparsable input is returned as given.
func normalize(addr string) string {
	parsed, err := netip.ParseAddr(addr)
	if err != nil {
		return addr
	}
	return parsed.Unmap().String()
}
