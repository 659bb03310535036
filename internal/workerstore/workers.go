package workerstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/storage"
	"github.com/cryguy/serviceworker/internal/webapi"
)

// ErrNotFound is returned when a worker id has no row.
var ErrNotFound = errors.New("workerstore: worker not found")

// Table and column holding script bodies.
const (
	WorkersTable  = "workers"
	ContentColumn = "content"
)

// Querier is satisfied by both *storage.Connection and *storage.Tx.
type Querier interface {
	Execute(ctx context.Context, query string, args ...any) (storage.RowID, error)
	Query(ctx context.Context, query string, args []any, fn func(*storage.Row) error) error
}

// Record is a worker row without its content.
type Record struct {
	ID            int64
	URL           string
	Scope         string
	Headers       webapi.Headers
	ContentLength int64
	State         core.InstallState
	LastChecked   time.Time
}

// NewWorker describes a row to insert.
type NewWorker struct {
	URL           string
	Scope         string
	Headers       webapi.Headers
	ContentLength int64
	CheckedAt     time.Time
}

// Insert creates a worker in state installing with a zero-filled content
// blob of ContentLength bytes.
func Insert(ctx context.Context, q Querier, w NewWorker) (int64, error) {
	headers, err := w.Headers.ToJSON()
	if err != nil {
		return 0, fmt.Errorf("encode headers: %w", err)
	}
	id, err := q.Execute(ctx,
		`INSERT INTO workers (url, scope, headers, content, content_length, install_state, last_checked)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.URL, w.Scope, string(headers), storage.ZeroBlob(w.ContentLength), w.ContentLength,
		int64(core.StateInstalling), w.CheckedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert worker: %w", err)
	}
	return int64(id), nil
}

// SetState updates one worker's install state.
func SetState(ctx context.Context, q Querier, id int64, state core.InstallState) error {
	if !state.Valid() {
		return fmt.Errorf("set state: invalid state %d", int(state))
	}
	if _, err := q.Execute(ctx, `UPDATE workers SET install_state = ? WHERE id = ?`, int64(state), id); err != nil {
		return fmt.Errorf("set worker %d state %s: %w", id, state, err)
	}
	return nil
}

const recordColumns = `id, url, scope, headers, content_length, install_state, last_checked`

func scanRecord(r *storage.Row) (Record, error) {
	var rec Record
	var err error
	if rec.ID, err = r.Int("id"); err != nil {
		return rec, err
	}
	if rec.URL, err = r.String("url"); err != nil {
		return rec, err
	}
	if rec.Scope, err = r.String("scope"); err != nil {
		return rec, err
	}
	raw, err := r.String("headers")
	if err != nil {
		return rec, err
	}
	if rec.Headers, err = webapi.HeadersFromJSON([]byte(raw)); err != nil {
		return rec, fmt.Errorf("worker %d headers: %w", rec.ID, err)
	}
	if rec.ContentLength, err = r.Int("content_length"); err != nil {
		return rec, err
	}
	state, err := r.Int("install_state")
	if err != nil {
		return rec, err
	}
	rec.State = core.InstallState(state)
	checked, err := r.Int("last_checked")
	if err != nil {
		return rec, err
	}
	rec.LastChecked = time.UnixMilli(checked)
	return rec, nil
}

// Get loads one worker.
func Get(ctx context.Context, q Querier, id int64) (Record, error) {
	var rec Record
	found := false
	err := q.Query(ctx, `SELECT `+recordColumns+` FROM workers WHERE id = ?`, []any{id}, func(r *storage.Row) error {
		var err error
		rec, err = scanRecord(r)
		found = true
		return err
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return rec, nil
}

// Filter selects workers. Empty fields match everything.
type Filter struct {
	URL    string
	Scope  string
	States []core.InstallState
	// ExcludeStates drops workers in these states.
	ExcludeStates []core.InstallState
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.URL != "" {
		conds = append(conds, "url = ?")
		args = append(args, f.URL)
	}
	if f.Scope != "" {
		conds = append(conds, "scope = ?")
		args = append(args, f.Scope)
	}
	inList := func(col, op string, states []core.InstallState) {
		marks := make([]string, len(states))
		for i, s := range states {
			marks[i] = "?"
			args = append(args, int64(s))
		}
		conds = append(conds, fmt.Sprintf("%s %s (%s)", col, op, strings.Join(marks, ", ")))
	}
	if len(f.States) > 0 {
		inList("install_state", "IN", f.States)
	}
	if len(f.ExcludeStates) > 0 {
		inList("install_state", "NOT IN", f.ExcludeStates)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns matching workers, newest first.
func List(ctx context.Context, q Querier, f Filter) ([]Record, error) {
	where, args := f.where()
	var out []Record
	err := q.Query(ctx, `SELECT `+recordColumns+` FROM workers`+where+` ORDER BY id DESC`, args, func(r *storage.Row) error {
		rec, err := scanRecord(r)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return out, nil
}

// Latest returns the newest worker matching f.
func Latest(ctx context.Context, q Querier, f Filter) (Record, bool, error) {
	recs, err := List(ctx, q, f)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

// Count returns the number of workers matching f.
func Count(ctx context.Context, q Querier, f Filter) (int64, error) {
	where, args := f.where()
	var n int64
	err := q.Query(ctx, `SELECT count(*) AS n FROM workers`+where, args, func(r *storage.Row) error {
		var err error
		n, err = r.Int("n")
		return err
	})
	return n, err
}

// ClearAll deletes every worker, registration and queued event.
func ClearAll(ctx context.Context, q Querier) error {
	for _, stmt := range []string{
		`DELETE FROM queued_events`,
		`DELETE FROM registrations`,
		`DELETE FROM workers`,
	} {
		if _, err := q.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	return nil
}

// OpenContent opens a read stream on a worker's script body.
func OpenContent(ctx context.Context, c *storage.Connection, id int64) (*storage.BlobReadStream, error) {
	return c.OpenBlobReadStream(ctx, WorkersTable, ContentColumn, storage.RowID(id))
}
