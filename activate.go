package serviceworker

import (
	"context"
	"errors"
	"fmt"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/storage"
	"github.com/cryguy/serviceworker/internal/workerstore"
	"go.uber.org/zap"
)

// activateInBackground runs activate on the Manager's lifetime context.
func (m *Manager) activateInBackground(w *Worker, skipWaiting bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		if err := m.activate(m.ctx, w, skipWaiting); err != nil {
			m.log.Warn("activation failed", zap.Int64("worker", w.id), zap.String("scope", w.scope), zap.Error(err))
		}
	}()
}

// activate promotes an installed worker when it may take over: either it
// called skipWaiting or the scope has no active worker. Otherwise w keeps
// waiting. Queued events are delivered once it is activated.
func (m *Manager) activate(ctx context.Context, w *Worker, skipWaiting bool) error {
	done, err := m.activateLocked(ctx, w, skipWaiting)
	if err != nil || !done {
		return err
	}
	if n, err := m.DeliverQueued(ctx, w.scope); err != nil {
		if !errors.Is(err, ErrNoActiveWorker) {
			m.log.Warn("delivering queued events", zap.String("scope", w.scope), zap.Error(err))
		}
	} else if n > 0 {
		m.log.Info("delivered queued events", zap.String("scope", w.scope), zap.Int("count", n))
	}
	return nil
}

func (m *Manager) activateLocked(ctx context.Context, w *Worker, skipWaiting bool) (bool, error) {
	lock := m.scopeLock(w.scope)
	if err := lock.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer lock.Release(1)

	var prev *Worker
	started := false
	err := m.apply(ctx, w.scope, false, func(ctx context.Context, tx *storage.Tx) ([]step, error) {
		rec, err := workerstore.Get(ctx, tx, w.id)
		if err != nil {
			return nil, err
		}
		// Superseded or unregistered while waiting for the lock.
		if rec.State != core.StateInstalled {
			return nil, nil
		}
		row, _ := m.row(w.scope)
		if active := row.Slots[core.SlotActive]; active != 0 {
			if !skipWaiting {
				return nil, nil
			}
			m.mu.Lock()
			prev = m.workerLocked(active)
			m.mu.Unlock()
		}
		started = true
		return []step{{w: w, event: eventActivate}}, nil
	})
	if err != nil || !started {
		return false, err
	}

	log := m.log.With(zap.Int64("worker", w.id), zap.String("scope", w.scope))
	ev := core.NewExtendableEvent(core.EventActivate, nil)
	if derr := m.dispatch(ctx, w, ev); derr != nil {
		log.Warn("activate event failed", zap.Error(derr))
		m.retire(ctx, w, eventActivateFailed, m.restore(prev)...)
		return false, fmt.Errorf("%w: %w", ErrActivateFailed, derr)
	}

	err = m.apply(ctx, w.scope, false, func(context.Context, *storage.Tx) ([]step, error) {
		steps := []step{{w: w, event: eventActivated}}
		if prev != nil && prev.id != w.id {
			steps = append(steps, step{w: prev, event: eventSupersede})
		}
		return steps, nil
	})
	if err != nil {
		m.retire(ctx, w, eventActivateFailed, m.restore(prev)...)
		return false, err
	}
	log.Info("worker activated")
	return true, nil
}

// restore re-seats the previously active worker after a failed activation.
func (m *Manager) restore(prev *Worker) []step {
	if prev == nil {
		return nil
	}
	return []step{{w: prev}}
}
