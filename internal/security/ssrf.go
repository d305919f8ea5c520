package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"msgline/internal/domain"
)

// privateRanges lists the private/reserved CIDR blocks media URLs may not point at.
var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var parsedRanges []*net.IPNet

func init() {
	for _, cidr := range privateRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
		}
		parsedRanges = append(parsedRanges, ipnet)
	}
}

// IsPrivateIP checks if an IP falls within any private/reserved range.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, ipnet := range parsedRanges {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// URLGuardOption configures a URLGuard.
type URLGuardOption func(*URLGuard)

// WithResolver replaces the DNS resolver, for tests.
func WithResolver(r Resolver) URLGuardOption {
	return func(g *URLGuard) { g.resolver = r }
}

// WithAllowedHosts exempts hosts from the private-address check.
func WithAllowedHosts(hosts ...string) URLGuardOption {
	return func(g *URLGuard) {
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				g.allowed[h] = true
			}
		}
	}
}

// URLGuard rejects download URLs that are not http(s) or that point at a
// private or reserved address. Media URLs come from the Graph API response,
// so the webhook sender never picks them directly.
type URLGuard struct {
	resolver Resolver
	allowed  map[string]bool
}

// NewURLGuard creates a URLGuard backed by the default resolver.
func NewURLGuard(opts ...URLGuardOption) *URLGuard {
	g := &URLGuard{
		resolver: net.DefaultResolver,
		allowed:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check returns an error wrapping domain.ErrURLBlocked when rawURL may not be fetched.
func (g *URLGuard) Check(ctx context.Context, rawURL string) error {
	const op = "URLGuard.Check"

	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrURLBlocked, fmt.Sprintf("invalid URL: %v", err))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return domain.NewDomainError(op, domain.ErrURLBlocked, "missing URL scheme, only http/https allowed")
	default:
		return domain.NewDomainError(op, domain.ErrURLBlocked, fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return domain.NewDomainError(op, domain.ErrURLBlocked, "empty hostname")
	}
	if g.allowed[host] {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return domain.NewDomainError(op, domain.ErrURLBlocked, fmt.Sprintf("IP %s is private/reserved", ip))
		}
		return nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrURLBlocked, fmt.Sprintf("DNS lookup failed: %v", err))
	}
	if len(addrs) == 0 {
		return domain.NewDomainError(op, domain.ErrURLBlocked, "no addresses for "+host)
	}
	for _, a := range addrs {
		if IsPrivateIP(a.IP) {
			return domain.NewDomainError(op, domain.ErrURLBlocked,
				fmt.Sprintf("host %s resolves to private IP %s", host, a.IP))
		}
	}
	return nil
}
