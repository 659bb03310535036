package serviceworker

import (
	"context"
	"errors"
	"fmt"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/looplab/fsm"
)

// Lifecycle events driving a worker's state machine.
const (
	eventInstalled      = "installed"
	eventInstallFailed  = "install_failed"
	eventActivate       = "activate"
	eventActivated      = "activated"
	eventActivateFailed = "activate_failed"
	eventSupersede      = "supersede"
	eventUnregister     = "unregister"
)

var (
	stInstalling = core.StateInstalling.String()
	stInstalled  = core.StateInstalled.String()
	stActivating = core.StateActivating.String()
	stActivated  = core.StateActivated.String()
	stRedundant  = core.StateRedundant.String()
)

var lifecycleEvents = fsm.Events{
	{Name: eventInstalled, Src: []string{stInstalling}, Dst: stInstalled},
	{Name: eventInstallFailed, Src: []string{stInstalling}, Dst: stRedundant},
	{Name: eventActivate, Src: []string{stInstalled}, Dst: stActivating},
	{Name: eventActivated, Src: []string{stActivating}, Dst: stActivated},
	{Name: eventActivateFailed, Src: []string{stActivating}, Dst: stRedundant},
	{Name: eventSupersede, Src: []string{stInstalling, stInstalled, stActivated}, Dst: stRedundant},
	{Name: eventUnregister, Src: []string{stInstalling, stInstalled, stActivating, stActivated}, Dst: stRedundant},
}

// transition runs event against a machine positioned at from and returns
// the resulting state. Nothing is persisted; callers count the transition
// once it commits.
func transition(ctx context.Context, from core.InstallState, event string) (core.InstallState, error) {
	m := fsm.NewFSM(from.String(), lifecycleEvents, fsm.Callbacks{})
	if err := m.Event(ctx, event); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, from)
		}
		return from, fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, event, from, err)
	}
	return core.ParseInstallState(m.Current())
}
