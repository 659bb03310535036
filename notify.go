package serviceworker

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PropertyState is the Notification property for a worker state change.
// Slot changes use the slot name: installing, waiting, active, redundant.
const PropertyState = "state"

// Notification reports one committed lifecycle change.
type Notification struct {
	Scope    string
	Property string
	// Worker is the worker now in the slot, nil when the slot was emptied,
	// or the worker whose state changed.
	Worker *Worker
}

type subscriber struct {
	id string
	fn func(Notification)
}

// Subscribe registers fn for every notification and returns an id for
// Unsubscribe. Notifications are delivered in commit order, one at a time;
// fn must not block on the Manager.
func (m *Manager) Subscribe(fn func(Notification)) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. It reports whether id was known.
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.id == id {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return true
		}
	}
	return false
}

// enqueue appends committed notifications. Caller holds applyMu, which
// keeps the outbox in commit order.
func (m *Manager) enqueue(notes []Notification) {
	if len(notes) == 0 {
		return
	}
	m.mu.Lock()
	m.outbox = append(m.outbox, notes...)
	m.mu.Unlock()
}

// flush delivers queued notifications. Only one goroutine drains at a
// time; a subscriber that triggers further changes has them delivered by
// the same drain loop after its current notification.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.outbox) > 0 {
		note := m.outbox[0]
		m.outbox = m.outbox[1:]
		subs := append([]subscriber(nil), m.subs...)
		m.mu.Unlock()
		for _, s := range subs {
			m.deliver(s, note)
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Manager) deliver(s subscriber, note Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("notification subscriber panicked",
				zap.String("subscriber", s.id), zap.String("scope", note.Scope), zap.Any("panic", r))
		}
	}()
	s.fn(note)
}
