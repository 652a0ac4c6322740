package routes

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrSSRFBlocked marks a backend URL that points at a private or
// reserved host. The admin surface maps it to reason SSRF_BLOCKED.
var ErrSSRFBlocked = fmt.Errorf("backend host is private or reserved")

var blockedNets []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("parse ssrf cidr %s: %v", cidr, err))
		}
		blockedNets = append(blockedNets, block)
	}
}

// BlockedIP reports whether the address falls inside the reserved set.
func BlockedIP(ip net.IP) bool {
	for _, block := range blockedNets {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver is the subset of net.Resolver the SSRF check uses.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// CheckBackendURL rejects URLs whose host is localhost, a reserved IP
// literal, or a name resolving only to reserved addresses. Resolution
// failures pass: the proxy re-checks every dialed address at runtime.
func CheckBackendURL(ctx context.Context, rawURL string, resolver Resolver) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("parse backend_url: %w", err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("backend_url host required")
	}
	if host == "localhost" || host == "0.0.0.0" {
		return ErrSSRFBlocked
	}
	if ip := net.ParseIP(host); ip != nil {
		if BlockedIP(ip) {
			return ErrSSRFBlocked
		}
		return nil
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		// Unresolvable now; the dial-time guard still applies.
		return nil
	}
	for _, addr := range addrs {
		if BlockedIP(addr.IP) {
			return ErrSSRFBlocked
		}
	}
	return nil
}
