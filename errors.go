package serviceworker

import (
	"errors"
	"fmt"

	"github.com/cryguy/serviceworker/internal/webapi"
)

var (
	// ErrDomainNotAllowed is returned when a script host is not in the
	// configured allow-list. No network request is made.
	ErrDomainNotAllowed = errors.New("serviceworker: domain not allowed")
	// ErrInvalidScope is returned for malformed script URLs or scopes.
	ErrInvalidScope = errors.New("serviceworker: invalid scope")
	// ErrNoRegistration is returned when a scope has no registration.
	ErrNoRegistration = errors.New("serviceworker: no registration for scope")
	// ErrNoActiveWorker is returned when queued events cannot be delivered
	// because the scope has no activated worker.
	ErrNoActiveWorker = errors.New("serviceworker: no active worker")
	// ErrInstallFailed wraps the reason an install event failed.
	ErrInstallFailed = errors.New("serviceworker: install failed")
	// ErrActivateFailed wraps the reason an activate event failed.
	ErrActivateFailed = errors.New("serviceworker: activate failed")
	// ErrInvalidTransition is returned for a lifecycle transition the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("serviceworker: invalid state transition")
	// ErrInvalidEvent is returned when queueing a lifecycle or malformed event.
	ErrInvalidEvent = errors.New("serviceworker: invalid queued event")
	// ErrUpdateFailed matches every *UpdateFailedError.
	ErrUpdateFailed = errors.New("serviceworker: update failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("serviceworker: manager closed")
)

// Fetch errors surfaced by Register and Update.
var (
	ErrNetwork            = webapi.ErrNetwork
	ErrOriginMismatch     = webapi.ErrOriginMismatch
	ErrUnexpectedRedirect = webapi.ErrUnexpectedRedirect
	ErrNoContentLength    = webapi.ErrNoContentLength
	ErrCancelled          = webapi.ErrCancelled
)

// UpdateFailedError reports a script response that was neither 2xx nor 304.
type UpdateFailedError struct {
	URL    string
	Status int
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("serviceworker: update of %s failed with status %d", e.URL, e.Status)
}

func (e *UpdateFailedError) Is(target error) bool { return target == ErrUpdateFailed }
