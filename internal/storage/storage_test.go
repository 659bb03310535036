package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func createTestConn(t *testing.T) *Connection {
	t.Helper()
	ctx := context.Background()
	c, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if _, err := c.Execute(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, size INTEGER, body BLOB)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return c
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing", "dir", "x.db"))
	if !errors.Is(err, ErrCannotOpen) {
		t.Fatalf("Open() error = %v, want ErrCannotOpen", err)
	}
}

func TestExecuteAndQuery(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()

	id1, err := c.Execute(ctx, `INSERT INTO items (name, size, body) VALUES (?, ?, ?)`, "first", 10, []byte{1, 2})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id2, err := c.Execute(ctx, `INSERT INTO items (name, size) VALUES (?, ?)`, "second", 20)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("rowids = %d, %d, want increasing", id1, id2)
	}

	var names []string
	err = c.Query(ctx, `SELECT id, name, size, body FROM items ORDER BY id`, nil, func(r *Row) error {
		name, err := r.String("name")
		if err != nil {
			return err
		}
		size, err := r.Int("size")
		if err != nil {
			return err
		}
		if name == "first" {
			body, err := r.Data("body")
			if err != nil {
				return err
			}
			if !bytes.Equal(body, []byte{1, 2}) {
				t.Errorf("body = %v", body)
			}
			if size != 10 {
				t.Errorf("size = %d, want 10", size)
			}
		}
		names = append(names, name)
		return nil
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Errorf("names = %v", names)
	}
}

func TestRowTypeMismatch(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()
	if _, err := c.Execute(ctx, `INSERT INTO items (name) VALUES ('only')`); err != nil {
		t.Fatal(err)
	}
	err := c.Query(ctx, `SELECT name, size, body FROM items`, nil, func(r *Row) error {
		if _, err := r.Int("size"); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("Int(size) on NULL = %v, want ErrTypeMismatch", err)
		}
		if _, err := r.Data("missing"); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("Data(missing) = %v, want ErrTypeMismatch", err)
		}
		if _, err := r.Int("name"); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("Int(name) on text = %v, want ErrTypeMismatch", err)
		}
		if !r.IsNull("body") {
			t.Error("IsNull(body) = false")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func countItems(t *testing.T, c *Connection) int64 {
	t.Helper()
	var n int64
	err := c.Query(context.Background(), `SELECT count(*) AS n FROM items`, nil, func(r *Row) error {
		var err error
		n, err = r.Int("n")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestTransactionCommitAndRollback(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()

	err := c.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		_, err := tx.Execute(ctx, `INSERT INTO items (name) VALUES ('a')`)
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	boom := errors.New("boom")
	err = c.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Execute(ctx, `INSERT INTO items (name) VALUES ('b')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction() = %v, want boom", err)
	}
	if n := countItems(t, c); n != 1 {
		t.Errorf("count after rollback = %d, want 1", n)
	}
}

func TestTransactionPanicRollsBack(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()

	func() {
		defer func() {
			if p := recover(); p != "kaboom" {
				t.Errorf("recover() = %v, want kaboom", p)
			}
		}()
		_ = c.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
			if _, err := tx.Execute(ctx, `INSERT INTO items (name) VALUES ('p')`); err != nil {
				return err
			}
			panic("kaboom")
		})
	}()

	if n := countItems(t, c); n != 0 {
		t.Errorf("count after panic = %d, want 0", n)
	}
	// The connection must still be usable.
	if _, err := c.Execute(ctx, `INSERT INTO items (name) VALUES ('after')`); err != nil {
		t.Fatalf("insert after panic: %v", err)
	}
}

func TestTransactionNotReentrant(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()

	err := c.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		if err := c.Transaction(ctx, func(context.Context, *Tx) error { return nil }); !errors.Is(err, ErrNestedTransaction) {
			t.Errorf("nested Transaction() = %v, want ErrNestedTransaction", err)
		}
		if _, err := c.Execute(ctx, `INSERT INTO items (name) VALUES ('x')`); !errors.Is(err, ErrNestedTransaction) {
			t.Errorf("Execute inside transaction = %v, want ErrNestedTransaction", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInTransactionReturnsValue(t *testing.T) {
	c := createTestConn(t)
	id, err := InTransaction(context.Background(), c, func(ctx context.Context, tx *Tx) (RowID, error) {
		return tx.Execute(ctx, `INSERT INTO items (name) VALUES ('v')`)
	})
	if err != nil || id == 0 {
		t.Fatalf("InTransaction() = %d, %v", id, err)
	}
}

func TestExpandZeroBlobs(t *testing.T) {
	tests := []struct {
		query string
		args  []any
		want  string
	}{
		{"INSERT INTO t VALUES (?, ?)", []any{1, ZeroBlob(4)}, "INSERT INTO t VALUES (?, zeroblob(?))"},
		{"INSERT INTO t VALUES ('?', ?)", []any{ZeroBlob(4)}, "INSERT INTO t VALUES ('?', zeroblob(?))"},
		{"UPDATE t SET a = ?", []any{"x"}, "UPDATE t SET a = ?"},
	}
	for _, tt := range tests {
		got, args, err := expandZeroBlobs(tt.query, tt.args)
		if err != nil {
			t.Fatalf("expandZeroBlobs(%q): %v", tt.query, err)
		}
		if got != tt.want {
			t.Errorf("expandZeroBlobs(%q) = %q, want %q", tt.query, got, tt.want)
		}
		for _, a := range args {
			if _, ok := a.(ZeroBlob); ok {
				t.Errorf("expandZeroBlobs(%q) left a ZeroBlob argument", tt.query)
			}
		}
	}
}
