// Package netguard rejects outbound URLs that resolve to internal network
// addresses.
package netguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	blockedHostnames = []string{
		"localhost",
		"localhost.localdomain",
	}

	// Cloud metadata endpoints are blocked even when private addresses are allowed.
	metadataHosts = []string{
		"169.254.169.254",
		"169.254.170.2",
		"metadata.google.internal",
		"fd00:ec2::254",
	}

	privatePrefixes = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("fc00::/7"),
	}
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard validates URLs before the service fetches them.
type Guard struct {
	allowPrivate bool
	resolver     Resolver
}

// New creates a guard. allowPrivate admits loopback and private ranges, which
// local development needs.
func New(allowPrivate bool) *Guard {
	return &Guard{allowPrivate: allowPrivate, resolver: net.DefaultResolver}
}

// WithResolver replaces the DNS resolver.
func (g *Guard) WithResolver(r Resolver) *Guard {
	g.resolver = r
	return g
}

// Check returns an error when rawURL is not http(s) or any of its addresses
// is disallowed.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("only http and https schemes are allowed")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL must have a hostname")
	}

	for _, blocked := range metadataHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return fmt.Errorf("access to %s is not allowed", host)
		}
	}
	if !g.allowPrivate {
		for _, blocked := range blockedHostnames {
			if host == blocked {
				return fmt.Errorf("access to %s is not allowed", host)
			}
		}
	}

	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		addrs, err = g.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return fmt.Errorf("%s does not resolve to any address", host)
		}
	}

	for _, addr := range addrs {
		if err := g.checkAddr(addr.Unmap()); err != nil {
			return fmt.Errorf("address %s is not allowed: %w", addr, err)
		}
	}
	return nil
}

func (g *Guard) checkAddr(addr netip.Addr) error {
	switch {
	case addr.IsUnspecified():
		return fmt.Errorf("unspecified address")
	case addr.IsMulticast():
		return fmt.Errorf("multicast address")
	case addr.IsLinkLocalUnicast():
		// Link-local covers the metadata range, so it stays blocked in development.
		return fmt.Errorf("link-local address")
	}
	if g.allowPrivate {
		return nil
	}

	if addr.IsLoopback() {
		return fmt.Errorf("loopback address")
	}
	for _, prefix := range privatePrefixes {
		if prefix.Contains(addr) {
			return fmt.Errorf("private address")
		}
	}
	return nil
}
