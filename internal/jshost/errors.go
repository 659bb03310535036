package jshost

import "errors"

var (
	// ErrScriptEvaluation is returned when a worker script fails to load or
	// throws during top-level evaluation.
	ErrScriptEvaluation = errors.New("jshost: script evaluation failed")
	// ErrListenerThrew is returned when an event listener throws synchronously.
	ErrListenerThrew = errors.New("jshost: event listener threw")
	// ErrEventRejected is delivered when a waitUntil promise rejects.
	ErrEventRejected = errors.New("jshost: waitUntil promise rejected")
	// ErrEventTimeout is delivered when an extended event does not settle in time.
	ErrEventTimeout = errors.New("jshost: event timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("jshost: host closed")
)
