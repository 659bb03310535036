package storage

import "errors"

var (
	ErrCannotOpen        = errors.New("storage: cannot open database")
	ErrClosed            = errors.New("storage: connection closed")
	ErrTypeMismatch      = errors.New("storage: type mismatch")
	ErrNoSuchRow         = errors.New("storage: no such row")
	ErrStreamClosed      = errors.New("storage: blob stream closed")
	ErrBlobOverflow      = errors.New("storage: write exceeds preallocated blob length")
	ErrNestedTransaction = errors.New("storage: connection re-entered from inside a transaction")
)
