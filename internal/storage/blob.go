package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ncruces/go-sqlite3"
)

type blobCloser interface {
	Close() error
}

// blobStream holds the cursor shared by read and write streams. lock is
// nil for streams owned by a transaction, which already holds the
// connection.
type blobStream struct {
	blob   *sqlite3.Blob
	lock   func() (func(), error)
	pos    int64
	length int64
	closed bool
}

// Len returns the total blob length.
func (s *blobStream) Len() int64 { return s.length }

// Position returns the cursor offset.
func (s *blobStream) Position() int64 { return s.pos }

func (s *blobStream) enter() (func(), error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.lock == nil {
		return func() {}, nil
	}
	return s.lock()
}

// Close releases the blob handle. Further reads or writes fail.
func (s *blobStream) Close() error {
	unlock, err := s.enter()
	if err != nil {
		return err
	}
	defer unlock()
	s.closed = true
	return s.blob.Close()
}

// BlobReadStream reads a blob cell from the start.
type BlobReadStream struct {
	blobStream
}

// HasBytesAvailable reports whether the cursor is before the end.
func (s *BlobReadStream) HasBytesAvailable() bool {
	return !s.closed && s.pos < s.length
}

// Read copies up to len(p) bytes at the cursor. It returns 0, io.EOF at
// the end of the blob.
func (s *BlobReadStream) Read(p []byte) (int, error) {
	unlock, err := s.enter()
	if err != nil {
		return 0, err
	}
	defer unlock()

	remaining := s.length - s.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.blob.Read(p)
	s.pos += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// BlobWriteStream writes into a preallocated blob cell from the start.
type BlobWriteStream struct {
	blobStream
}

// Write writes p at the cursor and advances it. A write that would run past
// the preallocated length writes nothing and fails with ErrBlobOverflow.
func (s *BlobWriteStream) Write(p []byte) (int, error) {
	unlock, err := s.enter()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if int64(len(p)) > s.length-s.pos {
		return 0, fmt.Errorf("%w: %d bytes at offset %d of %d", ErrBlobOverflow, len(p), s.pos, s.length)
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.blob.Write(p)
	s.pos += int64(n)
	if err != nil {
		return n, fmt.Errorf("blob write: %w", err)
	}
	return n, nil
}

// CopyToBlob streams r into w using a single buffer of chunkSize bytes and
// returns the number of bytes written.
func CopyToBlob(w *BlobWriteStream, r io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("copy to blob: invalid chunk size %d", chunkSize)
	}
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// OpenBlobReadStream opens a read stream on a blob cell outside any
// transaction. Each read takes the connection lock briefly.
func (c *Connection) OpenBlobReadStream(ctx context.Context, table, column string, row RowID) (*BlobReadStream, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	b, length, err := c.openBlob(ctx, c.conn, table, column, row, false)
	if err != nil {
		return nil, err
	}
	return &BlobReadStream{blobStream: blobStream{blob: b, length: length, lock: c.lockFunc()}}, nil
}

// OpenBlobWriteStream opens a write stream on a blob cell outside any
// transaction. Each write commits on its own.
func (c *Connection) OpenBlobWriteStream(ctx context.Context, table, column string, row RowID) (*BlobWriteStream, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	b, length, err := c.openBlob(ctx, c.conn, table, column, row, true)
	if err != nil {
		return nil, err
	}
	return &BlobWriteStream{blobStream: blobStream{blob: b, length: length, lock: c.lockFunc()}}, nil
}

func (c *Connection) lockFunc() func() (func(), error) {
	return func() (func(), error) {
		if err := c.acquire(context.Background()); err != nil {
			return nil, err
		}
		return c.release, nil
	}
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// openBlob must be called with the connection lock held. A missing row
// maps to ErrNoSuchRow and a cell that is neither blob nor text to
// ErrTypeMismatch.
func (c *Connection) openBlob(ctx context.Context, q rowQuerier, table, column string, row RowID, writable bool) (*sqlite3.Blob, int64, error) {
	var kind string
	typeSQL := fmt.Sprintf("SELECT typeof(%s) FROM %s WHERE rowid = ?", quoteIdent(column), quoteIdent(table))
	if err := q.QueryRowContext(ctx, typeSQL, int64(row)).Scan(&kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: %s.%s rowid %d", ErrNoSuchRow, table, column, row)
		}
		return nil, 0, fmt.Errorf("blob type: %w", err)
	}
	if kind != "blob" && kind != "text" {
		return nil, 0, fmt.Errorf("%w: %s.%s rowid %d is %s", ErrTypeMismatch, table, column, row, kind)
	}

	var blob *sqlite3.Blob
	err := c.conn.Raw(func(driverConn any) error {
		raw, err := rawConn(driverConn)
		if err != nil {
			return err
		}
		blob, err = raw.OpenBlob("main", table, column, int64(row), writable)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("open blob %s.%s rowid %d: %w", table, column, row, err)
	}
	return blob, blob.Size(), nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
