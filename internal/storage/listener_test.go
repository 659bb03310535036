package storage

import (
	"context"
	"testing"
)

func TestListenerReceivesChanges(t *testing.T) {
	c := createTestConn(t)
	ctx := context.Background()

	var got []Change
	id := c.AddListener(func(ch Change) { got = append(got, ch) })

	row, err := c.Execute(ctx, `INSERT INTO items (name) VALUES ('a')`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(ctx, `UPDATE items SET name = 'b' WHERE id = ?`, int64(row)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(ctx, `DELETE FROM items WHERE id = ?`, int64(row)); err != nil {
		t.Fatal(err)
	}

	want := []Change{
		{OpInsert, "items", row},
		{OpUpdate, "items", row},
		{OpDelete, "items", row},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d changes, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	if !c.RemoveListener(id) {
		t.Fatal("RemoveListener() = false")
	}
	if _, err := c.Execute(ctx, `INSERT INTO items (name) VALUES ('c')`); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Errorf("listener fired after removal")
	}
	if c.RemoveListener(id) {
		t.Error("second RemoveListener() = true")
	}
}
