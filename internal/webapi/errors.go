package webapi

import "errors"

var (
	ErrInvalidRequest     = errors.New("fetch: invalid request")
	ErrNetwork            = errors.New("fetch: network error")
	ErrOriginMismatch     = errors.New("fetch: origin mismatch")
	ErrMethodNotAllowed   = errors.New("fetch: method not allowed")
	ErrUnexpectedRedirect = errors.New("fetch: unexpected redirect")
	ErrBodyAlreadyUsed    = errors.New("fetch: body already used")
	ErrNoContentLength    = errors.New("fetch: response has no content length")
	ErrCancelled          = errors.New("fetch: cancelled")
	ErrPrivateAddress     = errors.New("fetch: private address not allowed")
	ErrResponseTooLarge   = errors.New("fetch: response body too large")
)
