package webapi

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// acceptEncoding is sent when the caller did not choose an encoding.
const acceptEncoding = "gzip, deflate, br"

// decodeBody wraps body with a decoder for the given Content-Encoding.
// It reports false when the encoding is identity or unknown.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, bool, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, false, fmt.Errorf("%w: gzip: %w", ErrNetwork, err)
		}
		return readCloser{Reader: zr, close: func() error {
			zr.Close()
			return body.Close()
		}}, true, nil
	case "deflate":
		zr, err := zlib.NewReader(body)
		if err != nil {
			body.Close()
			return nil, false, fmt.Errorf("%w: deflate: %w", ErrNetwork, err)
		}
		return readCloser{Reader: zr, close: func() error {
			zr.Close()
			return body.Close()
		}}, true, nil
	case "br":
		return readCloser{Reader: brotli.NewReader(body), close: body.Close}, true, nil
	}
	return body, false, nil
}
