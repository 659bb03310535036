package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type txKey struct{}

// Tx is an open transaction. It is only valid inside the body passed to
// Transaction; it has no Transaction method of its own.
type Tx struct {
	c       *Connection
	tx      *sql.Tx
	streams []blobCloser
}

// Transaction begins a transaction, runs body, and commits when body
// returns nil. On error or panic the transaction is rolled back and the
// error or panic propagates. body receives a context that marks the
// connection as owned; using the Connection itself with that context fails
// with ErrNestedTransaction.
func (c *Connection) Transaction(ctx context.Context, body func(ctx context.Context, tx *Tx) error) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	sqlTx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{c: c, tx: sqlTx}

	committed := false
	defer func() {
		if committed {
			return
		}
		tx.closeStreams()
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			c.log.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err := body(context.WithValue(ctx, txKey{}, c), tx); err != nil {
		return err
	}
	tx.closeStreams()
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// InTransaction is Transaction for bodies that produce a value.
func InTransaction[T any](ctx context.Context, c *Connection, body func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	var out T
	err := c.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		v, err := body(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Execute runs a statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, query string, args ...any) (RowID, error) {
	return execute(ctx, t.tx, query, args)
}

// Query runs a SELECT inside the transaction. fn must not issue further
// statements on t while iterating.
func (t *Tx) Query(ctx context.Context, query string, args []any, fn func(*Row) error) error {
	return queryRows(ctx, t.tx, query, args, fn)
}

// OpenBlobReadStream opens a read stream on a blob cell. The stream is
// closed automatically when the transaction ends.
func (t *Tx) OpenBlobReadStream(ctx context.Context, table, column string, row RowID) (*BlobReadStream, error) {
	b, length, err := t.c.openBlob(ctx, t.tx, table, column, row, false)
	if err != nil {
		return nil, err
	}
	s := &BlobReadStream{blobStream: blobStream{blob: b, length: length}}
	t.streams = append(t.streams, s)
	return s, nil
}

// OpenBlobWriteStream opens a write stream on a blob cell preallocated with
// ZeroBlob. The stream is closed automatically when the transaction ends.
func (t *Tx) OpenBlobWriteStream(ctx context.Context, table, column string, row RowID) (*BlobWriteStream, error) {
	b, length, err := t.c.openBlob(ctx, t.tx, table, column, row, true)
	if err != nil {
		return nil, err
	}
	s := &BlobWriteStream{blobStream: blobStream{blob: b, length: length}}
	t.streams = append(t.streams, s)
	return s, nil
}

func (t *Tx) closeStreams() {
	for _, s := range t.streams {
		if err := s.Close(); err != nil && !errors.Is(err, ErrStreamClosed) {
			t.c.log.Warn("closing blob stream", zap.Error(err))
		}
	}
	t.streams = nil
}
