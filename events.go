package serviceworker

import (
	"context"
	"fmt"
	"time"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/workerstore"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// QueueEvent stores a functional event for scope. Queued events are
// delivered to the active worker in insertion order, either by
// DeliverQueued or after the next activation. payload must be JSON or
// empty.
func (m *Manager) QueueEvent(ctx context.Context, scope string, typ EventType, payload []byte) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	switch typ {
	case "", core.EventInstall, core.EventActivate:
		return 0, fmt.Errorf("%w: type %q", ErrInvalidEvent, typ)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return 0, fmt.Errorf("%w: payload is not JSON", ErrInvalidEvent)
	}
	scope, err := canonicalScope(scope)
	if err != nil {
		return 0, err
	}
	if _, ok := m.row(scope); !ok {
		return 0, ErrNoRegistration
	}
	id, err := workerstore.EnqueueEvent(ctx, m.conn, scope, typ, payload, time.Now())
	if err != nil {
		return 0, err
	}
	m.log.Debug("event queued", zap.String("scope", scope), zap.String("type", string(typ)), zap.Int64("id", id))
	return id, nil
}

// DeliverQueued dispatches scope's queued events to its active worker and
// returns how many were delivered. Each event is removed once it settles;
// delivery stops at the first failure, leaving it and later events queued.
func (m *Manager) DeliverQueued(ctx context.Context, scope string) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	scope, err := canonicalScope(scope)
	if err != nil {
		return 0, err
	}
	lock := m.scopeLock(scope)
	if err := lock.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer lock.Release(1)

	row, _ := m.row(scope)
	m.mu.Lock()
	w := m.workerLocked(row.Slots[core.SlotActive])
	m.mu.Unlock()
	if w == nil || w.State() != core.StateActivated {
		return 0, ErrNoActiveWorker
	}

	queued, err := workerstore.QueuedEvents(ctx, m.conn, scope)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, qe := range queued {
		ev := core.NewExtendableEvent(qe.Type, qe.Payload)
		if err := m.dispatch(ctx, w, ev); err != nil {
			return delivered, fmt.Errorf("deliver %s event %d: %w", qe.Type, qe.ID, err)
		}
		if err := workerstore.DeleteQueuedEvent(ctx, m.conn, qe.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}
