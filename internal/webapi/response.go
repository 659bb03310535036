package webapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
)

// RawResponse is the unfiltered network response shared by every view
// derived from it. Its metadata is never mutated after construction.
type RawResponse struct {
	Status     int
	StatusText string
	Headers    Headers
	URL        *url.URL
	Redirected bool
}

// contentLength parses the Content-Length header, returning -1 when it is
// absent or malformed.
func (r *RawResponse) contentLength() int64 {
	v := r.Headers.Get("content-length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Response is a filtered view of a RawResponse with a single-use body.
type Response struct {
	view    ViewType
	raw     *RawResponse
	headers Headers
	exposed []string
	limit   int64

	mu   sync.Mutex
	body io.ReadCloser
	used bool
}

func newResponse(raw *RawResponse, view ViewType, exposed []string, body io.ReadCloser, limit int64) *Response {
	r := &Response{
		view:    view,
		raw:     raw,
		headers: filterHeaders(view, raw.Headers, exposed),
		exposed: exposed,
		limit:   limit,
		body:    body,
	}
	if view == ViewOpaque {
		body.Close()
		r.body = http.NoBody
	}
	return r
}

// Type returns the view kind.
func (r *Response) Type() ViewType { return r.view }

// Status returns the HTTP status, or 0 for opaque responses.
func (r *Response) Status() int {
	if r.view == ViewOpaque {
		return 0
	}
	return r.raw.Status
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	s := r.Status()
	return s >= 200 && s < 300
}

// StatusText returns the reason phrase, empty for opaque responses.
func (r *Response) StatusText() string {
	if r.view == ViewOpaque {
		return ""
	}
	return r.raw.StatusText
}

// Headers returns a copy of the visible headers.
func (r *Response) Headers() Headers { return r.headers.Clone() }

// URL returns the final URL after redirects, or "" for opaque responses.
func (r *Response) URL() string {
	if r.view == ViewOpaque || r.raw.URL == nil {
		return ""
	}
	return r.raw.URL.String()
}

// Redirected reports whether redirects were followed.
func (r *Response) Redirected() bool {
	return r.view != ViewOpaque && r.raw.Redirected
}

// ContentLength returns the body length from the visible Content-Length
// header, or ErrNoContentLength when unknown.
func (r *Response) ContentLength() (int64, error) {
	if r.view == ViewOpaque || !r.headers.Has("content-length") {
		return 0, ErrNoContentLength
	}
	n := r.raw.contentLength()
	if n < 0 {
		return 0, ErrNoContentLength
	}
	return n, nil
}

// BodyUsed reports whether the body was consumed.
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

func (r *Response) take() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyAlreadyUsed
	}
	r.used = true
	return r.body, nil
}

// Body hands the body stream to the caller, who must close it. Reads yield
// chunks until io.EOF.
func (r *Response) Body() (io.ReadCloser, error) {
	return r.take()
}

// Blob reads the whole body.
func (r *Response) Blob() ([]byte, error) {
	body, err := r.take()
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, r.limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrNetwork, err)
	}
	if int64(len(data)) > r.limit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrResponseTooLarge, r.limit)
	}
	return data, nil
}

// Text reads the whole body as a string.
func (r *Response) Text() (string, error) {
	data, err := r.Blob()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// JSON decodes the whole body into v.
func (r *Response) JSON(v any) error {
	data, err := r.Blob()
	if err != nil {
		return err
	}
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("fetch: decoding json: %w", err)
	}
	return nil
}

// Clone duplicates the view. Both copies can be consumed independently.
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyAlreadyUsed
	}

	var other io.ReadCloser
	if b, ok := r.body.(*branch); ok {
		other = b.s.branchAt(b.offset())
	} else if r.body == http.NoBody {
		other = http.NoBody
	} else {
		s := newSplitBody(r.body)
		r.body = s.branchAt(0)
		other = s.branchAt(0)
	}
	return &Response{
		view:    r.view,
		raw:     r.raw,
		headers: r.headers.Clone(),
		exposed: r.exposed,
		limit:   r.limit,
		body:    other,
	}, nil
}

// Close releases the body without reading it. It is a no-op after the body
// was handed out by Body.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil
	}
	r.used = true
	return r.body.Close()
}
