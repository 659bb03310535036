package webapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// blockedPrefixes are special-purpose ranges a fetch never connects to
// unless private addresses are allowed.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.88.99.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),

	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/96"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001::/23"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

var (
	nat64Prefix = netip.MustParsePrefix("64:ff9b::/96")
	sixToFour   = netip.MustParsePrefix("2002::/16")
)

// IsPrivateAddr reports whether a falls in a loopback, private, link-local,
// documentation or otherwise special-purpose range. IPv4-mapped, NAT64 and
// 6to4 addresses are judged by the IPv4 address they carry.
func IsPrivateAddr(a netip.Addr) bool {
	if !a.IsValid() {
		return true
	}
	a = a.WithZone("").Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	if embedded, ok := embeddedIPv4(a); ok {
		return IsPrivateAddr(embedded)
	}
	return false
}

func embeddedIPv4(a netip.Addr) (netip.Addr, bool) {
	b := a.As16()
	switch {
	case nat64Prefix.Contains(a):
		return netip.AddrFrom4([4]byte(b[12:16])), true
	case sixToFour.Contains(a):
		return netip.AddrFrom4([4]byte(b[2:6])), true
	}
	return netip.Addr{}, false
}

// IsPrivateHostname is the non-resolving check run before a request is
// sent: localhost names and literal private addresses are rejected, as is
// anything that does not parse.
func IsPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return true
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return IsPrivateAddr(a)
	}
	return false
}

type lookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// guardedDialer resolves the host itself and only connects to public
// addresses, so a name that rebinds to a private address between the
// pre-check and the dial is still refused.
type guardedDialer struct {
	lookup lookupFunc
	dial   dialFunc
}

func newGuardedDialer() *guardedDialer {
	d := &net.Dialer{}
	return &guardedDialer{lookup: net.DefaultResolver.LookupNetIP, dial: d.DialContext}
}

func (g *guardedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: address %q: %w", ErrNetwork, addr, err)
	}
	addrs, err := g.lookup(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %w", ErrNetwork, host, err)
	}
	var dialErrs []error
	for _, a := range addrs {
		if IsPrivateAddr(a) {
			continue
		}
		conn, err := g.dial(ctx, network, net.JoinHostPort(a.Unmap().String(), port))
		if err == nil {
			return conn, nil
		}
		dialErrs = append(dialErrs, err)
	}
	if len(dialErrs) == 0 {
		return nil, fmt.Errorf("%w: %s resolves only to private addresses", ErrPrivateAddress, host)
	}
	return nil, fmt.Errorf("%w: connecting to %s: %w", ErrNetwork, host, errors.Join(dialErrs...))
}
