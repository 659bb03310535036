package serviceworker

import (
	"context"
	"fmt"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/storage"
	"github.com/cryguy/serviceworker/internal/workerstore"
	"go.uber.org/zap"
)

// step is one worker's part of a state batch. An empty event keeps the
// worker's state and only re-seats it in the slot for that state.
type step struct {
	w     *Worker
	event string
}

type stateChange struct {
	w        *Worker
	from, to core.InstallState
}

// pending is what a committed batch changes in memory.
type pending struct {
	scope   string
	row     workerstore.RegistrationRow
	dropped bool
	workers []*Worker
	changes []stateChange
	notes   []Notification
}

// planFunc computes a batch inside the transaction that commits it.
type planFunc func(ctx context.Context, tx *storage.Tx) ([]step, error)

// apply commits the batch planned for scope, then updates handles and the
// in-memory registration and emits notifications. When drop is set the
// registration row is deleted. If the transaction fails nothing in memory
// changes and nothing is emitted.
func (m *Manager) apply(ctx context.Context, scope string, drop bool, plan planFunc) error {
	m.applyMu.Lock()
	p, err := storage.InTransaction(ctx, m.conn, func(ctx context.Context, tx *storage.Tx) (*pending, error) {
		steps, err := plan(ctx, tx)
		if err != nil {
			return nil, err
		}
		return m.applyTx(ctx, tx, scope, drop, steps)
	})
	if err != nil {
		m.applyMu.Unlock()
		return err
	}
	if p != nil {
		m.commit(p)
	}
	m.applyMu.Unlock()
	m.flush()
	return nil
}

func (m *Manager) applyTx(ctx context.Context, tx *storage.Tx, scope string, drop bool, steps []step) (*pending, error) {
	if len(steps) == 0 && !drop {
		return nil, nil
	}
	old, ok := m.row(scope)
	if !ok {
		old = workerstore.RegistrationRow{Scope: scope}
	}
	row := old
	p := &pending{scope: scope}

	for _, s := range steps {
		rec, err := workerstore.Get(ctx, tx, s.w.id)
		if err != nil {
			return nil, err
		}
		to := rec.State
		if s.event != "" {
			if to, err = transition(ctx, rec.State, s.event); err != nil {
				return nil, fmt.Errorf("worker %d: %w", s.w.id, err)
			}
			if err := workerstore.SetState(ctx, tx, s.w.id, to); err != nil {
				return nil, err
			}
			p.changes = append(p.changes, stateChange{w: s.w, from: rec.State, to: to})
		}
		for _, slot := range core.Slots {
			if row.Slots[slot] == s.w.id {
				row.Slots[slot] = 0
			}
		}
		row.Slots[to.Slot()] = s.w.id
		p.workers = append(p.workers, s.w)
	}

	if drop {
		if err := workerstore.DeleteRegistration(ctx, tx, scope); err != nil {
			return nil, err
		}
		p.dropped = true
		row = workerstore.RegistrationRow{Scope: scope}
	} else if err := workerstore.SaveRegistration(ctx, tx, row); err != nil {
		return nil, err
	}
	p.row = row

	for _, slot := range core.Slots {
		if old.Slots[slot] == row.Slots[slot] {
			continue
		}
		note := Notification{Scope: scope, Property: slot.String()}
		if id := row.Slots[slot]; id != 0 {
			note.Worker = stepWorker(steps, id)
		}
		p.notes = append(p.notes, note)
	}
	for _, c := range p.changes {
		p.notes = append(p.notes, Notification{Scope: scope, Property: PropertyState, Worker: c.w})
	}
	return p, nil
}

// stepWorker finds the handle for id. A slot only changes occupant through
// a step, so the worker is always among them.
func stepWorker(steps []step, id int64) *Worker {
	for _, s := range steps {
		if s.w.id == id {
			return s.w
		}
	}
	return nil
}

func (m *Manager) commit(p *pending) {
	m.mu.Lock()
	for _, w := range p.workers {
		if _, ok := m.workers[w.id]; !ok {
			m.workers[w.id] = w
		}
	}
	if p.dropped {
		delete(m.regs, p.scope)
	} else {
		m.regs[p.scope] = p.row
	}
	m.mu.Unlock()

	for _, c := range p.changes {
		c.w.setState(c.to)
		lifecycleTransitions.WithLabelValues(c.from.String(), c.to.String()).Inc()
		m.log.Debug("worker state changed",
			zap.Int64("worker", c.w.id),
			zap.String("scope", p.scope),
			zap.Stringer("from", c.from),
			zap.Stringer("to", c.to))
		if c.to == core.StateRedundant {
			m.evict(c.w.id)
		}
	}
	m.enqueue(p.notes)
}
