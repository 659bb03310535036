package webapi

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type preflightResult struct {
	exposed []string
}

var corsSafelistedRequestHeaders = []string{"accept", "accept-language", "content-language", "content-type"}

func preflightKey(req *Request) string {
	return SerializeOrigin(req.origin) + " " + req.method + " " + req.url.String()
}

// preflight authorizes a cross-origin cors request with an OPTIONS request
// and returns the exposed response header names.
func (c *Client) preflight(ctx context.Context, req *Request) ([]string, error) {
	key := preflightKey(req)
	if cached, ok := c.preflights.Load(key); ok {
		return cached.exposed, nil
	}

	origin := SerializeOrigin(req.origin)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodOptions, req.url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Origin", origin)
	httpReq.Header.Set("Access-Control-Request-Method", req.method)
	var unsafe []string
	for name := range req.headers {
		if !slices.Contains(corsSafelistedRequestHeaders, name) {
			unsafe = append(unsafe, name)
		}
	}
	if len(unsafe) > 0 {
		slices.Sort(unsafe)
		httpReq.Header.Set("Access-Control-Request-Headers", strings.Join(unsafe, ","))
	}
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.clientFor(RedirectManual).Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: preflight for %s returned %d", ErrNetwork, req.url, resp.StatusCode)
	}
	h := HeadersFromHTTP(resp.Header)

	allowOrigin := strings.TrimSpace(h.Get("access-control-allow-origin"))
	if allowOrigin != "*" && !strings.EqualFold(allowOrigin, origin) {
		return nil, fmt.Errorf("%w: %s allows origin %q, not %q", ErrOriginMismatch, req.url.Host, allowOrigin, origin)
	}
	if h.Has("access-control-allow-methods") {
		allowed := false
		for _, m := range splitList(h.Get("access-control-allow-methods")) {
			if m == "*" || strings.EqualFold(m, req.method) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s not in Access-Control-Allow-Methods", ErrMethodNotAllowed, req.method)
		}
	}

	var exposed []string
	for _, name := range splitList(h.Get("access-control-expose-headers")) {
		exposed = append(exposed, strings.ToLower(name))
	}

	if ttl := c.preflightTTL(h); ttl > 0 {
		c.preflights.SetEx(key, preflightResult{exposed: exposed}, ttl)
	}
	c.log.Debug("preflight passed", zap.String("url", req.url.String()), zap.String("origin", origin),
		zap.Strings("exposed", exposed))
	return exposed, nil
}

// preflightTTL honours Access-Control-Max-Age up to the configured bound.
func (c *Client) preflightTTL(h Headers) time.Duration {
	v := h.Get("access-control-max-age")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, c.maxPreflightTTL)
}
