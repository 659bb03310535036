package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RowID is the SQLite rowid of an inserted or addressed row.
type RowID int64

// Connection is a single-owner handle on a SQLite database file.
type Connection struct {
	db   *sql.DB
	conn *sql.Conn
	sem  *semaphore.Weighted

	listeners *listenerSet
	log       *zap.Logger
	closed    atomic.Bool
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger used for rollback and close failures.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.log = l
		}
	}
}

// Open opens, creating if absent, the database at path.
//
// The database is configured with WAL journaling, NORMAL synchronous mode,
// a 5 second busy timeout and foreign key enforcement. Transactions take the
// write lock immediately.
func Open(ctx context.Context, path string, opts ...Option) (*Connection, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotOpen, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrCannotOpen, err)
	}

	c := &Connection{
		db:        db,
		conn:      conn,
		sem:       semaphore.NewWeighted(1),
		listeners: newListenerSet(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.applyPragmas(ctx); err != nil {
		c.closeHandles()
		return nil, fmt.Errorf("%w: %v", ErrCannotOpen, err)
	}

	err = conn.Raw(func(driverConn any) error {
		raw, err := rawConn(driverConn)
		if err != nil {
			return err
		}
		raw.UpdateHook(c.listeners.fire)
		return nil
	})
	if err != nil {
		c.closeHandles()
		return nil, fmt.Errorf("%w: %v", ErrCannotOpen, err)
	}
	return c, nil
}

// rawConn unwraps the SQLite handle behind a database/sql driver connection.
func rawConn(driverConn any) (*sqlite3.Conn, error) {
	rc, ok := driverConn.(interface{ Raw() *sqlite3.Conn })
	if !ok {
		return nil, fmt.Errorf("unexpected driver connection %T", driverConn)
	}
	return rc.Raw(), nil
}

func (c *Connection) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := c.conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close releases the database handle. It waits for an in-progress
// statement or transaction to finish first.
func (c *Connection) Close() error {
	if err := c.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	if c.closed.Swap(true) {
		return nil
	}
	return c.closeHandles()
}

func (c *Connection) closeHandles() error {
	connErr := c.conn.Close()
	dbErr := c.db.Close()
	if connErr != nil {
		return connErr
	}
	return dbErr
}

// acquire takes the connection lock, failing when ctx already belongs to a
// transaction on this connection (the lock would never be released).
func (c *Connection) acquire(ctx context.Context) error {
	if owner, _ := ctx.Value(txKey{}).(*Connection); owner == c {
		return ErrNestedTransaction
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if c.closed.Load() {
		c.sem.Release(1)
		return ErrClosed
	}
	return nil
}

func (c *Connection) release() {
	c.sem.Release(1)
}

// Execute runs an INSERT, UPDATE, DELETE or DDL statement with positional
// parameters and returns the last inserted rowid.
func (c *Connection) Execute(ctx context.Context, query string, args ...any) (RowID, error) {
	if err := c.acquire(ctx); err != nil {
		return 0, err
	}
	defer c.release()
	return execute(ctx, c.conn, query, args)
}

// Query runs a SELECT and calls fn once per result row. The Row is only
// valid during the call. fn must not use the Connection.
func (c *Connection) Query(ctx context.Context, query string, args []any, fn func(*Row) error) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	return queryRows(ctx, c.conn, query, args, fn)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func execute(ctx context.Context, e execQuerier, query string, args []any) (RowID, error) {
	query, args, err := expandZeroBlobs(query, args)
	if err != nil {
		return 0, err
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("execute: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil
	}
	return RowID(id), nil
}

func queryRows(ctx context.Context, q execQuerier, query string, args []any, fn func(*Row) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("query columns: %w", err)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	row := &Row{cols: cols, vals: vals}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("query scan: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}
