package workerstore

import (
	"context"
	"fmt"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/storage"
)

// RegistrationRow holds the worker id in each slot; 0 means empty.
type RegistrationRow struct {
	Scope string
	Slots [4]int64 // indexed by core.Slot
}

func nullable(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// SaveRegistration inserts or replaces the row for r.Scope.
func SaveRegistration(ctx context.Context, q Querier, r RegistrationRow) error {
	_, err := q.Execute(ctx,
		`INSERT INTO registrations (scope, installing, waiting, active, redundant) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (scope) DO UPDATE SET
		   installing = excluded.installing,
		   waiting = excluded.waiting,
		   active = excluded.active,
		   redundant = excluded.redundant`,
		r.Scope,
		nullable(r.Slots[core.SlotInstalling]),
		nullable(r.Slots[core.SlotWaiting]),
		nullable(r.Slots[core.SlotActive]),
		nullable(r.Slots[core.SlotRedundant]))
	if err != nil {
		return fmt.Errorf("save registration %s: %w", r.Scope, err)
	}
	return nil
}

// DeleteRegistration removes the row for scope.
func DeleteRegistration(ctx context.Context, q Querier, scope string) error {
	if _, err := q.Execute(ctx, `DELETE FROM registrations WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("delete registration %s: %w", scope, err)
	}
	return nil
}

// LoadRegistrations returns every registration row ordered by scope.
func LoadRegistrations(ctx context.Context, q Querier) ([]RegistrationRow, error) {
	var out []RegistrationRow
	err := q.Query(ctx, `SELECT scope, installing, waiting, active, redundant FROM registrations ORDER BY scope`, nil,
		func(r *storage.Row) error {
			scope, err := r.String("scope")
			if err != nil {
				return err
			}
			row := RegistrationRow{Scope: scope}
			for _, slot := range core.Slots {
				if id, ok := r.NullInt(slot.String()); ok {
					row.Slots[slot] = id
				}
			}
			out = append(out, row)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("load registrations: %w", err)
	}
	return out, nil
}
