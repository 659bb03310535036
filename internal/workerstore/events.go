package workerstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/storage"
)

// QueuedEvent is an event persisted until an active worker handles it.
type QueuedEvent struct {
	ID        int64
	Scope     string
	Type      core.EventType
	Payload   []byte
	CreatedAt time.Time
}

// EnqueueEvent stores an event for scope.
func EnqueueEvent(ctx context.Context, q Querier, scope string, typ core.EventType, payload []byte, now time.Time) (int64, error) {
	id, err := q.Execute(ctx, `INSERT INTO queued_events (scope, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		scope, string(typ), payload, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("enqueue %s event for %s: %w", typ, scope, err)
	}
	return int64(id), nil
}

// QueuedEvents returns the events for scope in insertion order.
func QueuedEvents(ctx context.Context, q Querier, scope string) ([]QueuedEvent, error) {
	var out []QueuedEvent
	err := q.Query(ctx, `SELECT id, scope, type, payload, created_at FROM queued_events WHERE scope = ? ORDER BY id`,
		[]any{scope}, func(r *storage.Row) error {
			var ev QueuedEvent
			var err error
			if ev.ID, err = r.Int("id"); err != nil {
				return err
			}
			if ev.Scope, err = r.String("scope"); err != nil {
				return err
			}
			typ, err := r.String("type")
			if err != nil {
				return err
			}
			ev.Type = core.EventType(typ)
			if !r.IsNull("payload") {
				if ev.Payload, err = r.Data("payload"); err != nil {
					return err
				}
			}
			created, err := r.Int("created_at")
			if err != nil {
				return err
			}
			ev.CreatedAt = time.UnixMilli(created)
			out = append(out, ev)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("queued events for %s: %w", scope, err)
	}
	return out, nil
}

// DeleteQueuedEvent removes a delivered event.
func DeleteQueuedEvent(ctx context.Context, q Querier, id int64) error {
	if _, err := q.Execute(ctx, `DELETE FROM queued_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queued event %d: %w", id, err)
	}
	return nil
}

// DeleteQueuedEvents removes every event queued for scope.
func DeleteQueuedEvents(ctx context.Context, q Querier, scope string) error {
	if _, err := q.Execute(ctx, `DELETE FROM queued_events WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("delete queued events for %s: %w", scope, err)
	}
	return nil
}
