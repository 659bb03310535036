package webapi

import (
	"net/http"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

// Headers is a multi-valued header map keyed by lowercase name.
// Use NewHeaders or a conversion function; the zero value is read-only.
type Headers map[string][]string

// NewHeaders returns an empty header map.
func NewHeaders() Headers {
	return make(Headers)
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Get returns the values for name joined with ", ", or "" when absent.
func (h Headers) Get(name string) string {
	return strings.Join(h[key(name)], ", ")
}

// GetAll returns a copy of the values for name.
func (h Headers) GetAll(name string) []string {
	return slices.Clone(h[key(name)])
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	_, ok := h[key(name)]
	return ok
}

// Set replaces the values for name.
func (h Headers) Set(name, value string) {
	h[key(name)] = []string{value}
}

// Append adds a value for name.
func (h Headers) Append(name, value string) {
	k := key(name)
	h[k] = append(h[k], value)
}

// Delete removes name.
func (h Headers) Delete(name string) {
	delete(h, key(name))
}

// Keys returns the header names in sorted order.
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clone returns a deep copy.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = slices.Clone(v)
	}
	return out
}

// Equal reports whether both maps hold the same names and value lists.
func (h Headers) Equal(o Headers) bool {
	if len(h) != len(o) {
		return false
	}
	for k, v := range h {
		if !slices.Equal(v, o[k]) {
			return false
		}
	}
	return true
}

// ToJSON encodes the map as {"name": ["v1", "v2"]}.
func (h Headers) ToJSON() ([]byte, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string][]string(h))
}

// HeadersFromJSON decodes the ToJSON form. Names differing only in case
// are merged.
func HeadersFromJSON(data []byte) (Headers, error) {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	h := make(Headers, len(raw))
	for name, values := range raw {
		k := key(name)
		h[k] = append(h[k], values...)
	}
	return h, nil
}

// HeadersFromHTTP converts a net/http header map.
func HeadersFromHTTP(hh http.Header) Headers {
	h := make(Headers, len(hh))
	for name, values := range hh {
		k := key(name)
		h[k] = append(h[k], values...)
	}
	return h
}

// HTTP converts to a net/http header map.
func (h Headers) HTTP() http.Header {
	hh := make(http.Header, len(h))
	for k, v := range h {
		hh[http.CanonicalHeaderKey(k)] = slices.Clone(v)
	}
	return hh
}

// splitList splits a comma-separated header value, trimming entries and
// dropping empty ones.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
