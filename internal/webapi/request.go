package webapi

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Mode controls cross-origin behavior.
type Mode string

const (
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// RedirectMode controls how 3xx responses are handled.
type RedirectMode string

const (
	RedirectFollow RedirectMode = "follow"
	RedirectError  RedirectMode = "error"
	RedirectManual RedirectMode = "manual"
)

// CacheMode controls use of the HTTP cache.
type CacheMode string

const (
	CacheDefault CacheMode = "default"
	CacheNoStore CacheMode = "no-store"
	CacheReload  CacheMode = "reload"
	CacheNoCache CacheMode = "no-cache"
)

// ForbiddenFetchHeaders is the blocklist of headers callers cannot set.
var ForbiddenFetchHeaders = map[string]bool{
	"host":                true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"x-forwarded-for":     true,
	"x-forwarded-host":    true,
	"x-forwarded-proto":   true,
	"x-real-ip":           true,
	"content-length":      true,
}

// RequestInit carries the optional parts of a request.
type RequestInit struct {
	Method   string
	Headers  Headers
	Body     []byte
	Mode     Mode
	Redirect RedirectMode
	Cache    CacheMode
	// Origin is the requesting origin, e.g. "https://app.example". When empty
	// no origin rules apply.
	Origin string
}

// Request is an immutable fetch request.
type Request struct {
	url      *url.URL
	method   string
	headers  Headers
	body     []byte
	mode     Mode
	redirect RedirectMode
	cache    CacheMode
	origin   *url.URL
}

// NewRequest validates init against rawURL and builds a request.
func NewRequest(rawURL string, init RequestInit) (*Request, error) {
	u, err := parseHTTPURL(rawURL)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(init.Method)
	if method == "" {
		method = "GET"
	}
	if !validToken(method) {
		return nil, fmt.Errorf("%w: bad method %q", ErrInvalidRequest, init.Method)
	}
	if (method == "GET" || method == "HEAD") && len(init.Body) > 0 {
		return nil, fmt.Errorf("%w: %s request cannot have a body", ErrInvalidRequest, method)
	}

	r := &Request{
		url:      u,
		method:   method,
		headers:  NewHeaders(),
		body:     slices.Clone(init.Body),
		mode:     init.Mode,
		redirect: init.Redirect,
		cache:    init.Cache,
	}
	if r.mode == "" {
		r.mode = ModeCORS
	}
	if r.redirect == "" {
		r.redirect = RedirectFollow
	}
	if r.cache == "" {
		r.cache = CacheDefault
	}
	switch r.mode {
	case ModeSameOrigin, ModeNoCORS, ModeCORS:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.mode)
	}
	switch r.redirect {
	case RedirectFollow, RedirectError, RedirectManual:
	default:
		return nil, fmt.Errorf("%w: unknown redirect mode %q", ErrInvalidRequest, r.redirect)
	}
	switch r.cache {
	case CacheDefault, CacheNoStore, CacheReload, CacheNoCache:
	default:
		return nil, fmt.Errorf("%w: unknown cache mode %q", ErrInvalidRequest, r.cache)
	}
	// Cached entries and disabled redirects conflict; never touch the cache
	// unless redirects are followed.
	if r.redirect != RedirectFollow {
		r.cache = CacheNoStore
	}

	for name, values := range init.Headers {
		if ForbiddenFetchHeaders[key(name)] {
			continue
		}
		for _, v := range values {
			r.headers.Append(name, v)
		}
	}

	if init.Origin != "" {
		o, err := parseHTTPURL(init.Origin)
		if err != nil {
			return nil, fmt.Errorf("origin: %w", err)
		}
		r.origin = &url.URL{Scheme: o.Scheme, Host: o.Host}
		switch r.mode {
		case ModeSameOrigin:
			if !sameOrigin(r.origin, u) {
				return nil, fmt.Errorf("%w: %s is not same-origin with %s", ErrOriginMismatch, u, SerializeOrigin(r.origin))
			}
		case ModeNoCORS:
			if method != "GET" && method != "HEAD" && method != "POST" {
				return nil, fmt.Errorf("%w: %s in no-cors mode", ErrMethodNotAllowed, method)
			}
		}
	}
	return r, nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidRequest, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidRequest, raw)
	}
	return u, nil
}

func validToken(s string) bool {
	for _, c := range s {
		if c <= ' ' || c >= 0x7f || strings.ContainsRune(`"(),/:;<=>?@[\]{}`, c) {
			return false
		}
	}
	return s != ""
}

// sameOrigin compares scheme and host (including port).
func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// SerializeOrigin returns scheme://host for u.
func SerializeOrigin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func (r *Request) URL() *url.URL {
	u := *r.url
	return &u
}

func (r *Request) Method() string         { return r.method }
func (r *Request) Headers() Headers       { return r.headers.Clone() }
func (r *Request) Body() []byte           { return slices.Clone(r.body) }
func (r *Request) Mode() Mode             { return r.mode }
func (r *Request) Redirect() RedirectMode { return r.redirect }
func (r *Request) Cache() CacheMode       { return r.cache }

// Origin returns the declared origin, or "" when none was set.
func (r *Request) Origin() string {
	if r.origin == nil {
		return ""
	}
	return SerializeOrigin(r.origin)
}

// crossOrigin reports whether the request targets a different origin than
// the one it declared.
func (r *Request) crossOrigin() bool {
	return r.origin != nil && !sameOrigin(r.origin, r.url)
}

func (r *Request) needsPreflight() bool {
	return r.mode == ModeCORS && r.crossOrigin()
}
