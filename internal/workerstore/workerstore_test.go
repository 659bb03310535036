package workerstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/cryguy/serviceworker/internal/core"
	"github.com/cryguy/serviceworker/internal/storage"
	"github.com/cryguy/serviceworker/internal/webapi"
)

func createTestStore(t *testing.T) *storage.Connection {
	t.Helper()
	ctx := context.Background()
	c, err := storage.Open(ctx, filepath.Join(t.TempDir(), "workers.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := Migrate(ctx, c); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return c
}

func TestMigrateIdempotent(t *testing.T) {
	c := createTestStore(t)
	if err := Migrate(context.Background(), c); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestInsertAndGet(t *testing.T) {
	c := createTestStore(t)
	ctx := context.Background()

	h := webapi.NewHeaders()
	h.Set("ETag", `"v1"`)
	now := time.UnixMilli(time.Now().UnixMilli())

	id, err := Insert(ctx, c, NewWorker{
		URL: "https://x/sw.js", Scope: "https://x/", Headers: h, ContentLength: 5, CheckedAt: now,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec, err := Get(ctx, c, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != core.StateInstalling {
		t.Errorf("State = %s, want installing", rec.State)
	}
	if rec.Headers.Get("etag") != `"v1"` {
		t.Errorf("etag = %q", rec.Headers.Get("etag"))
	}
	if !rec.LastChecked.Equal(now) {
		t.Errorf("LastChecked = %v, want %v", rec.LastChecked, now)
	}
	if rec.ContentLength != 5 {
		t.Errorf("ContentLength = %d, want 5", rec.ContentLength)
	}

	if _, err := Get(ctx, c, id+100); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestContentStreams(t *testing.T) {
	c := createTestStore(t)
	ctx := context.Background()
	body := []byte("self.addEventListener('install', () => {});")

	var id int64
	err := c.Transaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		id, err = Insert(ctx, tx, NewWorker{URL: "https://x/sw.js", Scope: "https://x/", ContentLength: int64(len(body)), CheckedAt: time.Now()})
		if err != nil {
			return err
		}
		w, err := tx.OpenBlobWriteStream(ctx, WorkersTable, ContentColumn, storage.RowID(id))
		if err != nil {
			return err
		}
		_, err = storage.CopyToBlob(w, bytes.NewReader(body), 8)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	r, err := OpenContent(ctx, c, id)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("content = %q, want %q", got, body)
	}
}

func TestListFilters(t *testing.T) {
	c := createTestStore(t)
	ctx := context.Background()

	insert := func(url, scope string, state core.InstallState) int64 {
		id, err := Insert(ctx, c, NewWorker{URL: url, Scope: scope, CheckedAt: time.Now()})
		if err != nil {
			t.Fatal(err)
		}
		if err := SetState(ctx, c, id, state); err != nil {
			t.Fatal(err)
		}
		return id
	}
	a := insert("https://x/sw.js", "https://x/", core.StateActivated)
	b := insert("https://x/sw.js", "https://x/", core.StateRedundant)
	d := insert("https://x/other.js", "https://x/app/", core.StateInstalled)

	tests := []struct {
		name   string
		filter Filter
		want   []int64
	}{
		{"all", Filter{}, []int64{d, b, a}},
		{"by pair", Filter{URL: "https://x/sw.js", Scope: "https://x/"}, []int64{b, a}},
		{"non-redundant", Filter{Scope: "https://x/", ExcludeStates: []core.InstallState{core.StateRedundant}}, []int64{a}},
		{"installed", Filter{States: []core.InstallState{core.StateInstalled}}, []int64{d}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := List(ctx, c, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var got []int64
			for _, r := range recs {
				got = append(got, r.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List() ids = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("List() ids = %v, want %v", got, tt.want)
					break
				}
			}
			n, err := Count(ctx, c, tt.filter)
			if err != nil || n != int64(len(tt.want)) {
				t.Errorf("Count() = %d, %v, want %d", n, err, len(tt.want))
			}
		})
	}

	rec, ok, err := Latest(ctx, c, Filter{URL: "https://x/sw.js", Scope: "https://x/", ExcludeStates: []core.InstallState{core.StateRedundant}})
	if err != nil || !ok || rec.ID != a {
		t.Errorf("Latest() = %d, %v, %v, want %d", rec.ID, ok, err, a)
	}
}

func TestRegistrationsRoundTrip(t *testing.T) {
	c := createTestStore(t)
	ctx := context.Background()

	id, err := Insert(ctx, c, NewWorker{URL: "https://x/sw.js", Scope: "https://x/", CheckedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	row := RegistrationRow{Scope: "https://x/"}
	row.Slots[core.SlotInstalling] = id
	if err := SaveRegistration(ctx, c, row); err != nil {
		t.Fatal(err)
	}
	row.Slots[core.SlotInstalling] = 0
	row.Slots[core.SlotActive] = id
	if err := SaveRegistration(ctx, c, row); err != nil {
		t.Fatal(err)
	}

	rows, err := LoadRegistrations(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0] != row {
		t.Fatalf("LoadRegistrations() = %+v, want [%+v]", rows, row)
	}

	if err := DeleteRegistration(ctx, c, "https://x/"); err != nil {
		t.Fatal(err)
	}
	if rows, _ := LoadRegistrations(ctx, c); len(rows) != 0 {
		t.Errorf("rows after delete = %+v", rows)
	}
}

func TestQueuedEvents(t *testing.T) {
	c := createTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first, err := EnqueueEvent(ctx, c, "https://x/", "push", []byte(`{"n":1}`), now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := EnqueueEvent(ctx, c, "https://x/", "sync", nil, now); err != nil {
		t.Fatal(err)
	}
	if _, err := EnqueueEvent(ctx, c, "https://y/", "push", nil, now); err != nil {
		t.Fatal(err)
	}

	evs, err := QueuedEvents(ctx, c, "https://x/")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Type != "push" || evs[1].Type != "sync" {
		t.Fatalf("QueuedEvents() = %+v", evs)
	}
	if string(evs[0].Payload) != `{"n":1}` {
		t.Errorf("payload = %q", evs[0].Payload)
	}

	if err := DeleteQueuedEvent(ctx, c, first); err != nil {
		t.Fatal(err)
	}
	evs, _ = QueuedEvents(ctx, c, "https://x/")
	if len(evs) != 1 {
		t.Errorf("after delete: %d events, want 1", len(evs))
	}

	if err := ClearAll(ctx, c); err != nil {
		t.Fatal(err)
	}
	if n, _ := Count(ctx, c, Filter{}); n != 0 {
		t.Errorf("workers after ClearAll = %d", n)
	}
}
