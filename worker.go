package serviceworker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/workerstore"
)

// Worker is a handle on one stored worker script. Handles are shared: the
// Manager returns the same *Worker for an id, and its State tracks the
// last committed state.
type Worker struct {
	m         *Manager
	id        int64
	scriptURL string
	scope     string

	mu    sync.RWMutex
	state core.InstallState
}

var _ core.WorkerScript = (*Worker)(nil)

func (w *Worker) ID() int64         { return w.id }
func (w *Worker) ScriptURL() string { return w.scriptURL }
func (w *Worker) Scope() string     { return w.scope }

// State returns the worker's last committed state.
func (w *Worker) State() core.InstallState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s core.InstallState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// OpenContent streams the stored script body.
func (w *Worker) OpenContent(ctx context.Context) (io.ReadCloser, error) {
	rs, err := workerstore.OpenContent(ctx, w.m.conn, w.id)
	if err != nil {
		return nil, fmt.Errorf("open content of worker %d: %w", w.id, err)
	}
	return rs, nil
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker %d (%s, %s)", w.id, w.scriptURL, w.State())
}

// Registration is a snapshot of the workers occupying a scope's slots.
// Empty slots are nil.
type Registration struct {
	Scope      string
	Installing *Worker
	Waiting    *Worker
	Active     *Worker
	Redundant  *Worker
}

// Slot returns the worker in s.
func (r Registration) Slot(s core.Slot) *Worker {
	switch s {
	case core.SlotInstalling:
		return r.Installing
	case core.SlotWaiting:
		return r.Waiting
	case core.SlotActive:
		return r.Active
	case core.SlotRedundant:
		return r.Redundant
	}
	return nil
}
