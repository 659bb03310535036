package core

import (
	"context"
	"errors"
	"io"
	"sync"
)

// EventType names a lifecycle or queued event delivered to a worker.
type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
)

// ErrAlreadyExtended is returned by WaitUntil when the event was already extended.
var ErrAlreadyExtended = errors.New("event lifetime already extended")

// ExtendableEvent is dispatched to a worker through an EventDispatcher.
// The host may extend its lifetime once with WaitUntil; the dispatcher's
// caller then awaits that future before treating the event as resolved.
type ExtendableEvent struct {
	Type EventType
	Data []byte // JSON payload, nil for lifecycle events

	mu          sync.Mutex
	pending     <-chan error
	skipWaiting bool
}

// NewExtendableEvent creates an event of the given type.
func NewExtendableEvent(typ EventType, data []byte) *ExtendableEvent {
	return &ExtendableEvent{Type: typ, Data: data}
}

// WaitUntil attaches a pending operation. The channel delivers the
// operation's outcome; closing it without a value counts as success.
func (e *ExtendableEvent) WaitUntil(future <-chan error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != nil {
		return ErrAlreadyExtended
	}
	e.pending = future
	return nil
}

// Extended reports whether WaitUntil has been called.
func (e *ExtendableEvent) Extended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// SkipWaiting records that the worker asked to activate without waiting.
func (e *ExtendableEvent) SkipWaiting() {
	e.mu.Lock()
	e.skipWaiting = true
	e.mu.Unlock()
}

// SkippedWaiting reports whether SkipWaiting was called.
func (e *ExtendableEvent) SkippedWaiting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipWaiting
}

// Wait blocks until the attached operation resolves, returning immediately
// when the event was never extended.
func (e *ExtendableEvent) Wait(ctx context.Context) error {
	e.mu.Lock()
	pending := e.pending
	e.mu.Unlock()
	if pending == nil {
		return nil
	}
	select {
	case err := <-pending:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkerScript is the view of a worker record handed to an EventDispatcher.
type WorkerScript interface {
	ID() int64
	ScriptURL() string
	Scope() string
	// OpenContent streams the stored script body.
	OpenContent(ctx context.Context) (io.ReadCloser, error)
}

// EventDispatcher delivers events to the JavaScript host running a worker.
// DispatchEvent returns once listeners have run; a returned error means the
// event was rejected synchronously. Asynchronous outcomes arrive through the
// event's WaitUntil future.
type EventDispatcher interface {
	DispatchEvent(ctx context.Context, w WorkerScript, ev *ExtendableEvent) error
}

// Evictor is implemented by dispatchers that cache per-worker state.
type Evictor interface {
	Evict(workerID int64)
}
