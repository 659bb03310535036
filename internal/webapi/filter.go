package webapi

import (
	"net/url"
	"slices"
)

// ViewType is the kind of filtered response handed to callers.
type ViewType string

const (
	ViewBasic  ViewType = "basic"
	ViewCORS   ViewType = "cors"
	ViewOpaque ViewType = "opaque"
)

// CORSSafelistedResponseHeaders are visible on every CORS response.
var CORSSafelistedResponseHeaders = []string{
	"cache-control",
	"content-language",
	"content-type",
	"expires",
	"last-modified",
	"pragma",
}

var setCookieHeaders = []string{"set-cookie", "set-cookie2"}

// selectView decides the view from the request and the final response URL.
// The request's declared origin is the comparison base; without one the
// request URL is.
func selectView(req *Request, final *url.URL) ViewType {
	base := req.url
	if req.origin != nil {
		base = req.origin
	}
	if sameOrigin(base, final) {
		return ViewBasic
	}
	switch req.mode {
	case ModeNoCORS:
		return ViewOpaque
	case ModeCORS:
		return ViewCORS
	}
	return ViewBasic
}

// filterHeaders applies the header visibility policy of view. exposed is the
// preflight's Access-Control-Expose-Headers list.
func filterHeaders(view ViewType, raw Headers, exposed []string) Headers {
	out := NewHeaders()
	switch view {
	case ViewOpaque:
		return out
	case ViewCORS:
		exposeAll := slices.Contains(exposed, "*")
		for name, values := range raw {
			if slices.Contains(setCookieHeaders, name) {
				continue
			}
			if exposeAll || slices.Contains(CORSSafelistedResponseHeaders, name) || slices.Contains(exposed, name) {
				out[name] = slices.Clone(values)
			}
		}
		return out
	default:
		for name, values := range raw {
			if slices.Contains(setCookieHeaders, name) {
				continue
			}
			out[name] = slices.Clone(values)
		}
		return out
	}
}
