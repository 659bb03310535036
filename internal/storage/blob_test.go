package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
)

func insertZeroBlob(t *testing.T, c *Connection, n int) RowID {
	t.Helper()
	id, err := c.Execute(context.Background(), `INSERT INTO items (name, body) VALUES (?, ?)`, "blob", ZeroBlob(n))
	if err != nil {
		t.Fatalf("insert zeroblob: %v", err)
	}
	return id
}

func TestBlobStreamRoundTrip(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()

	payload := make([]byte, 200_003)
	rand.New(rand.NewSource(1)).Read(payload)

	for _, tc := range []struct{ writeChunk, readChunk int }{
		{1024, 4096},
		{7, 65536},
		{65536, 13},
	} {
		id := insertZeroBlob(t, c, len(payload))

		w, err := c.OpenBlobWriteStream(ctx, "items", "body", id)
		if err != nil {
			t.Fatalf("OpenBlobWriteStream: %v", err)
		}
		for off := 0; off < len(payload); off += tc.writeChunk {
			end := min(off+tc.writeChunk, len(payload))
			if _, err := w.Write(payload[off:end]); err != nil {
				t.Fatalf("Write at %d: %v", off, err)
			}
		}
		if _, err := w.Write([]byte{0}); !errors.Is(err, ErrBlobOverflow) {
			t.Errorf("Write past end = %v, want ErrBlobOverflow", err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}

		r, err := c.OpenBlobReadStream(ctx, "items", "body", id)
		if err != nil {
			t.Fatalf("OpenBlobReadStream: %v", err)
		}
		if r.Len() != int64(len(payload)) {
			t.Errorf("Len() = %d, want %d", r.Len(), len(payload))
		}
		var got bytes.Buffer
		buf := make([]byte, tc.readChunk)
		for r.HasBytesAvailable() {
			n, err := r.Read(buf)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			got.Write(buf[:n])
		}
		if n, err := r.Read(buf); n != 0 || err != io.EOF {
			t.Errorf("Read at end = %d, %v, want 0, EOF", n, err)
		}
		r.Close()
		if !bytes.Equal(got.Bytes(), payload) {
			t.Errorf("chunks %d/%d: read back %d bytes, mismatch", tc.writeChunk, tc.readChunk, got.Len())
		}
	}
}

func TestBlobWriteOverflowWritesNothing(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()
	id := insertZeroBlob(t, c, 4)

	w, err := c.OpenBlobWriteStream(ctx, "items", "body", id)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if n, err := w.Write([]byte("de")); n != 0 || !errors.Is(err, ErrBlobOverflow) {
		t.Errorf("Write(de) = %d, %v, want 0, ErrBlobOverflow", n, err)
	}
	if w.Position() != 3 {
		t.Errorf("Position() = %d, want 3", w.Position())
	}
}

func TestBlobStreamClosed(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()
	id := insertZeroBlob(t, c, 8)

	r, err := c.OpenBlobReadStream(ctx, "items", "body", id)
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	if _, err := r.Read(make([]byte, 4)); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Read after Close = %v, want ErrStreamClosed", err)
	}
	if r.HasBytesAvailable() {
		t.Error("HasBytesAvailable after Close = true")
	}
	if err := r.Close(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("second Close = %v, want ErrStreamClosed", err)
	}
}

func TestOpenBlobMissingRow(t *testing.T) {
	c := createTestConn(t)
	if _, err := c.OpenBlobReadStream(context.Background(), "items", "body", 999); !errors.Is(err, ErrNoSuchRow) {
		t.Errorf("OpenBlobReadStream(999) = %v, want ErrNoSuchRow", err)
	}
}

func TestOpenBlobNonBlobCell(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()
	id, err := c.Execute(ctx, `INSERT INTO items (name, body) VALUES (?, NULL)`, "empty")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := c.OpenBlobReadStream(ctx, "items", "body", id); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("OpenBlobReadStream(NULL) = %v, want ErrTypeMismatch", err)
	}
	if _, err := c.OpenBlobWriteStream(ctx, "items", "size", id); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("OpenBlobWriteStream(size) = %v, want ErrTypeMismatch", err)
	}
}

// recordingReader serves data in whatever sizes the caller asks for and
// remembers the largest request.
type recordingReader struct {
	r       io.Reader
	largest int
}

func (rr *recordingReader) Read(p []byte) (int, error) {
	if len(p) > rr.largest {
		rr.largest = len(p)
	}
	return rr.r.Read(p)
}

func TestCopyToBlobUsesChunkSizedBuffer(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("service-worker "), 40_000)
	const chunk = 4096

	err := c.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		id, err := tx.Execute(ctx, `INSERT INTO items (name, body) VALUES (?, ?)`, "copy", ZeroBlob(len(payload)))
		if err != nil {
			return err
		}
		w, err := tx.OpenBlobWriteStream(ctx, "items", "body", id)
		if err != nil {
			return err
		}
		rr := &recordingReader{r: bytes.NewReader(payload)}
		n, err := CopyToBlob(w, rr, chunk)
		if err != nil {
			return err
		}
		if n != int64(len(payload)) {
			t.Errorf("CopyToBlob wrote %d, want %d", n, len(payload))
		}
		if rr.largest > chunk {
			t.Errorf("largest read request = %d, want <= %d", rr.largest, chunk)
		}

		r, err := tx.OpenBlobReadStream(ctx, "items", "body", id)
		if err != nil {
			return err
		}
		got, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, payload) {
			t.Error("payload mismatch after CopyToBlob")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCopyToBlobTooLong(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()
	err := c.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		id, err := tx.Execute(ctx, `INSERT INTO items (body) VALUES (?)`, ZeroBlob(10))
		if err != nil {
			return err
		}
		w, err := tx.OpenBlobWriteStream(ctx, "items", "body", id)
		if err != nil {
			return err
		}
		_, err = CopyToBlob(w, bytes.NewReader(make([]byte, 11)), 4)
		return err
	})
	if !errors.Is(err, ErrBlobOverflow) {
		t.Fatalf("CopyToBlob = %v, want ErrBlobOverflow", err)
	}
	if n := countItems(t, c); n != 0 {
		t.Errorf("rows after failed copy = %d, want 0", n)
	}
}
