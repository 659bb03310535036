// Package workerstore maps worker records, registrations and queued events
// onto storage tables.
package workerstore

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/cryguy/serviceworker/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - workers, registrations, queued_events
const currentSchemaVersion = 1

// Migrate creates the tables and advances PRAGMA user_version. It is safe
// to call on every open.
func Migrate(ctx context.Context, c *storage.Connection) error {
	return c.Transaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var version int64
		err := tx.Query(ctx, "PRAGMA user_version", nil, func(r *storage.Row) error {
			var err error
			version, err = r.Int("user_version")
			return err
		})
		if err != nil {
			return fmt.Errorf("get user_version: %w", err)
		}
		if version >= currentSchemaVersion {
			return nil
		}
		if _, err := tx.Execute(ctx, schemaSQL); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		if _, err := tx.Execute(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		return nil
	})
}
