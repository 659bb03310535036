package serviceworker

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// allowList decides which script hosts may be registered. Entries are an
// exact host, "*" for any host, or "*.example.com" for every subdomain of a
// registrable domain.
type allowList struct {
	any      bool
	exact    map[string]bool
	suffixes []string // ".example.com"
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

func newAllowList(entries []string) (*allowList, error) {
	al := &allowList{exact: make(map[string]bool)}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "*":
			al.any = true
		case strings.HasPrefix(entry, "*."):
			base, err := normalizeHost(entry[2:])
			if err != nil {
				return nil, fmt.Errorf("allowed domain %q: %w", entry, err)
			}
			if etld1, err := publicsuffix.EffectiveTLDPlusOne(base); err != nil || etld1 != base {
				return nil, fmt.Errorf("allowed domain %q: wildcard must name a registrable domain", entry)
			}
			al.suffixes = append(al.suffixes, "."+base)
		default:
			host, err := normalizeHost(entry)
			if err != nil || host == "" {
				return nil, fmt.Errorf("allowed domain %q: invalid host", entry)
			}
			al.exact[host] = true
		}
	}
	return al, nil
}

// allows reports whether the host of u may be registered.
func (al *allowList) allows(u *url.URL) bool {
	if al.any {
		return true
	}
	host, err := normalizeHost(u.Hostname())
	if err != nil || host == "" {
		return false
	}
	if al.exact[host] {
		return true
	}
	for _, suffix := range al.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
