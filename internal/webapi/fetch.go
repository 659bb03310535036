package webapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
)

// Client performs fetches with CORS enforcement, redirect policy, response
// filtering and an optional HTTP cache.
type Client struct {
	cfg             core.FetchConfig
	transport       http.RoundTripper
	userAgent       string
	maxPreflightTTL time.Duration
	preflights      *expiremap.ExpireMap[string, preflightResult]
	cache           *HTTPCache
	log             *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport replaces the round tripper. The private-address guard on
// dialing only applies to the default transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		if rt != nil {
			c.transport = rt
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCache enables the HTTP cache.
func WithCache(hc *HTTPCache) ClientOption {
	return func(c *Client) { c.cache = hc }
}

// NewClient builds a fetch client from cfg.
func NewClient(cfg core.FetchConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:             cfg,
		userAgent:       cfg.UserAgent,
		maxPreflightTTL: cfg.PreflightCacheTTL,
		log:             zap.NewNop(),
	}
	if c.userAgent == "" {
		c.userAgent = core.DefaultUserAgent
	}
	if c.cfg.MaxResponseBytes <= 0 {
		c.cfg.MaxResponseBytes = core.DefaultMaxResponseBytes
	}
	cull := c.maxPreflightTTL
	if cull <= 0 {
		cull = time.Minute
	}
	c.preflights = expiremap.NewEx[string, preflightResult](cull, cull)

	if cfg.AllowPrivateAddresses {
		c.transport = http.DefaultTransport
	} else {
		c.transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         newGuardedDialer().DialContext,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        32,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) clientFor(mode RedirectMode) *http.Client {
	return &http.Client{
		Timeout:       c.cfg.Timeout,
		Transport:     c.transport,
		CheckRedirect: c.checkRedirect(mode),
	}
}

func (c *Client) checkRedirect(mode RedirectMode) func(*http.Request, []*http.Request) error {
	switch mode {
	case RedirectManual:
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case RedirectError:
		return func(req *http.Request, _ []*http.Request) error {
			return fmt.Errorf("%w: to %s", ErrUnexpectedRedirect, req.URL)
		}
	default:
		return func(req *http.Request, via []*http.Request) error {
			if len(via) >= c.cfg.MaxRedirects {
				return fmt.Errorf("%w: stopped after %d redirects", ErrNetwork, len(via))
			}
			if !c.cfg.AllowPrivateAddresses && IsPrivateHostname(req.URL.String()) {
				return fmt.Errorf("%w: redirect to %s", ErrPrivateAddress, req.URL.Host)
			}
			return nil
		}
	}
}

// transportError maps an http.Client error onto the fetch error kinds.
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	for _, known := range []error{ErrUnexpectedRedirect, ErrPrivateAddress, ErrNetwork} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// Fetch performs req and returns once response headers are available.
// The caller must consume or Close the returned response.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return c.fetch(ctx, req, nil)
}

func (c *Client) fetch(ctx context.Context, req *Request, release func()) (*Response, error) {
	if !c.cfg.AllowPrivateAddresses && IsPrivateHostname(req.url.String()) {
		return nil, fmt.Errorf("%w: %s", ErrPrivateAddress, req.url.Host)
	}

	var exposed []string
	if req.needsPreflight() {
		var err error
		if exposed, err = c.preflight(ctx, req); err != nil {
			return nil, err
		}
	}

	var cached *CacheEntry
	if c.cache != nil && req.method == "GET" && (req.cache == CacheDefault || req.cache == CacheNoCache) {
		entry, err := c.cache.Match(ctx, cacheKey(req))
		if err != nil {
			c.log.Warn("cache lookup failed", zap.String("url", req.url.String()), zap.Error(err))
		}
		if entry == nil {
			cacheMisses.Inc()
		} else if req.cache == CacheDefault && entry.Fresh(time.Now()) {
			if raw, body, err := cachedRaw(entry); err == nil {
				cacheHits.Inc()
				return c.finish(req, raw, body, exposed, release), nil
			}
		} else {
			cached = entry
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url.String(), bodyReader(req.body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	httpReq.Header = req.headers.HTTP()
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	negotiated := false
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", acceptEncoding)
		negotiated = true
	}
	if req.crossOrigin() {
		httpReq.Header.Set("Origin", SerializeOrigin(req.origin))
	}
	revalidating := cached != nil && addValidators(httpReq.Header, cached)

	resp, err := c.clientFor(req.redirect).Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	if revalidating && resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		if raw, body, err := cachedRaw(cached); err == nil {
			cacheHits.Inc()
			return c.finish(req, raw, body, exposed, release), nil
		}
	}

	final := req.url
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	if req.mode == ModeSameOrigin && req.origin != nil && !sameOrigin(req.origin, final) {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: same-origin request redirected to %s", ErrOriginMismatch, final.Host)
	}
	raw := &RawResponse{
		Status:     resp.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))),
		Headers:    HeadersFromHTTP(resp.Header),
		URL:        final,
		Redirected: final.String() != req.url.String(),
	}
	if !raw.Headers.Has("content-length") && resp.ContentLength >= 0 && len(resp.TransferEncoding) == 0 {
		raw.Headers.Set("content-length", strconv.FormatInt(resp.ContentLength, 10))
	}

	body := resp.Body
	if negotiated && raw.Headers.Has("content-encoding") {
		decoded, ok, err := decodeBody(raw.Headers.Get("content-encoding"), body)
		if err != nil {
			return nil, err
		}
		if ok {
			body = decoded
			raw.Headers.Delete("content-encoding")
			raw.Headers.Delete("content-length")
		}
	}
	if c.cache != nil && c.cache.storable(req, raw) {
		body = c.cache.capture(cacheKey(req), raw, body)
	}

	c.log.Debug("fetched",
		zap.String("method", req.method),
		zap.String("url", req.url.String()),
		zap.Int("status", raw.Status),
		zap.Bool("redirected", raw.Redirected))
	return c.finish(req, raw, body, exposed, release), nil
}

func (c *Client) finish(req *Request, raw *RawResponse, body io.ReadCloser, exposed []string, release func()) *Response {
	if release != nil {
		body = &closeHook{ReadCloser: body, fn: release}
	}
	view := selectView(req, raw.URL)
	fetchRequests.WithLabelValues(string(req.mode), string(view)).Inc()
	return newResponse(raw, view, exposed, body, c.cfg.MaxResponseBytes)
}

func bodyReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return strings.NewReader(string(b))
}

// addValidators attaches the entry's validators unless the caller set its
// own conditional headers.
func addValidators(h http.Header, e *CacheEntry) bool {
	if h.Get("If-None-Match") != "" || h.Get("If-Modified-Since") != "" {
		return false
	}
	stored, err := HeadersFromJSON([]byte(e.Headers))
	if err != nil {
		return false
	}
	added := false
	if etag := stored.Get("etag"); etag != "" {
		h.Set("If-None-Match", etag)
		added = true
	}
	if lm := stored.Get("last-modified"); lm != "" {
		h.Set("If-Modified-Since", lm)
		added = true
	}
	return added
}

// Operation is an in-flight fetch started with Start.
type Operation struct {
	done   chan struct{}
	cancel context.CancelFunc
	resp   *Response
	err    error
}

// Start performs req in the background. Cancelling the operation before
// headers arrive resolves it with ErrCancelled; cancelling later aborts the
// body stream.
func (c *Client) Start(ctx context.Context, req *Request) *Operation {
	ctx, cancel := context.WithCancel(ctx)
	op := &Operation{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(op.done)
		resp, err := c.fetch(ctx, req, cancel)
		if err != nil {
			cancel()
			op.err = err
			return
		}
		op.resp = resp
	}()
	return op
}

// Done is closed when the response or an error is available.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Result waits for the operation.
func (o *Operation) Result() (*Response, error) {
	<-o.done
	return o.resp, o.err
}

// Cancel aborts the operation.
func (o *Operation) Cancel() { o.cancel() }
