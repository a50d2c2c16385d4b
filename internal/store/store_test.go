package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPutAndGet(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := time.Now().Round(time.Millisecond)

	row := Row{ID: "g1", UserID: "u1", CreatedAt: now, UpdatedAt: now, Version: 1, DeviceID: "dev-a", Data: map[string]any{"title": "run 5k"}}
	if err := st.Tx(ctx, func(tx *sql.Tx) error { return Put(ctx, tx, "goals", row) }); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := Get(ctx, st.DB(), "goals", "g1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Data["title"] != "run 5k" {
		t.Fatalf("unexpected data: %+v", got.Data)
	}
}

func TestGetUnknownTableErrors(t *testing.T) {
	st := openTest(t)
	if _, _, err := Get(context.Background(), st.DB(), "not_a_table", "x"); err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestMarkDeletedRequiresExistingRow(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	err := st.Tx(ctx, func(tx *sql.Tx) error {
		return MarkDeleted(ctx, tx, "tasks", "missing", time.Now(), 2, "dev-a")
	})
	if err == nil {
		t.Fatal("expected error deleting nonexistent row")
	}
}

func TestSetFieldsMergesWithoutClobberingOtherFields(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := time.Now().Round(time.Millisecond)

	row := Row{ID: "t1", UserID: "u1", CreatedAt: now, UpdatedAt: now, Version: 1, DeviceID: "dev-a", Data: map[string]any{"title": "a", "done": false}}
	if err := st.Tx(ctx, func(tx *sql.Tx) error { return Put(ctx, tx, "tasks", row) }); err != nil {
		t.Fatalf("put: %v", err)
	}

	err := st.Tx(ctx, func(tx *sql.Tx) error {
		return SetFields(ctx, tx, tx, "tasks", "t1", map[string]any{"done": true}, now.Add(time.Second), 2, "dev-a")
	})
	if err != nil {
		t.Fatalf("set fields: %v", err)
	}

	got, _, err := Get(ctx, st.DB(), "tasks", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Data["title"] != "a" {
		t.Fatalf("expected untouched field preserved, got %+v", got.Data)
	}
	if got.Data["done"] != true {
		t.Fatalf("expected patched field applied, got %+v", got.Data)
	}
}

func TestQueryByUserExcludesDeletedByDefault(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	now := time.Now().Round(time.Millisecond)

	for i, id := range []string{"h1", "h2"} {
		row := Row{ID: id, UserID: "u1", CreatedAt: now, UpdatedAt: now.Add(time.Duration(i) * time.Second), Version: 1, DeviceID: "dev-a", Data: map[string]any{}}
		if err := st.Tx(ctx, func(tx *sql.Tx) error { return Put(ctx, tx, "habits", row) }); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := st.Tx(ctx, func(tx *sql.Tx) error { return MarkDeleted(ctx, tx, "habits", "h1", now.Add(2*time.Second), 2, "dev-a") }); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rows, err := QueryByUser(ctx, st.DB(), "habits", "u1", false)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "h2" {
		t.Fatalf("expected only h2 to remain, got %+v", rows)
	}
}
