package synctest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/prabhask5/goal-planner/internal/store"
)

func TestTwoDevicesConvergeOnDisjointFieldEdits(t *testing.T) {
	ctx := context.Background()
	h := New(t, "u1")
	a := h.AddDevice("device-a")
	b := h.AddDevice("device-b")

	h.Create(ctx, a, "tasks", "t1", map[string]any{"title": "draft", "done": false})
	h.Sync(ctx, a)
	h.Sync(ctx, b)

	h.SetField(ctx, a, "tasks", "t1", "title", "finalized title")
	h.SetField(ctx, b, "tasks", "t1", "done", true)

	h.Sync(ctx, a)
	h.Sync(ctx, b)
	h.Sync(ctx, a)

	h.AssertConverged(ctx, "tasks")

	row, ok, err := store.Get(ctx, a.Store.DB(), "tasks", "t1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if row.Data["title"] != "finalized title" || row.Data["done"] != true {
		t.Fatalf("expected both disjoint edits preserved, got %+v", row.Data)
	}
}

func TestDeleteWinsAndCannotResurrect(t *testing.T) {
	ctx := context.Background()
	h := New(t, "u1")
	a := h.AddDevice("device-a")
	b := h.AddDevice("device-b")

	h.Create(ctx, a, "habits", "h1", map[string]any{"name": "meditate"})
	h.Sync(ctx, a)
	h.Sync(ctx, b)

	h.Delete(ctx, a, "habits", "h1")
	h.SetField(ctx, b, "habits", "h1", "name", "meditate daily")

	h.Sync(ctx, a)
	h.Sync(ctx, b)
	h.Sync(ctx, a)

	row, ok, err := store.Get(ctx, a.Store.DB(), "habits", "h1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !row.Deleted {
		t.Fatalf("expected delete to win over concurrent edit, got %+v", row)
	}

	// A later sync on device b must not resurrect the row.
	h.Sync(ctx, b)
	row2, ok, err := store.Get(ctx, b.Store.DB(), "habits", "h1")
	if err != nil || !ok {
		t.Fatalf("get on b: ok=%v err=%v", ok, err)
	}
	if !row2.Deleted {
		t.Fatalf("expected deletion to persist across further syncs, got %+v", row2)
	}
}

func TestIncrementsFromMultipleDevicesAccumulate(t *testing.T) {
	ctx := context.Background()
	h := New(t, "u1")
	a := h.AddDevice("device-a")
	b := h.AddDevice("device-b")

	h.Create(ctx, a, "goals", "g1", map[string]any{"progress": 0.0})
	h.Sync(ctx, a)
	h.Sync(ctx, b)

	h.Increment(ctx, a, "goals", "g1", "progress", 3)
	h.Increment(ctx, b, "goals", "g1", "progress", 4)

	h.Sync(ctx, a)
	h.Sync(ctx, b)
	h.Sync(ctx, a)

	row, ok, err := store.Get(ctx, a.Store.DB(), "goals", "g1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if row.Data["progress"] != 7.0 {
		t.Fatalf("expected accumulated increments, got %v", row.Data["progress"])
	}
}

func TestPullCursorAdvancesMonotonically(t *testing.T) {
	ctx := context.Background()
	h := New(t, "u1")
	a := h.AddDevice("device-a")
	b := h.AddDevice("device-b")

	h.Create(ctx, a, "notes", "n1", map[string]any{"body": "first"})
	h.Sync(ctx, a)

	var cursor1 sql.NullString // b has never pulled, so the cursor is still NULL
	if err := b.Store.DB().QueryRowContext(ctx, `SELECT last_pulled_cursor FROM sync_state WHERE id=1`).Scan(&cursor1); err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	h.Sync(ctx, b)
	var cursor2 string
	if err := b.Store.DB().QueryRowContext(ctx, `SELECT last_pulled_cursor FROM sync_state WHERE id=1`).Scan(&cursor2); err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if cursor2 == "" || cursor2 == cursor1.String {
		t.Fatalf("expected cursor to advance after pulling new data: %q -> %q", cursor1.String, cursor2)
	}

	h.Create(ctx, a, "notes", "n2", map[string]any{"body": "second"})
	h.Sync(ctx, a)
	h.Sync(ctx, b)
	var cursor3 string
	if err := b.Store.DB().QueryRowContext(ctx, `SELECT last_pulled_cursor FROM sync_state WHERE id=1`).Scan(&cursor3); err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if cursor3 == cursor2 {
		t.Fatalf("expected cursor to advance again on second page of changes")
	}
}

func TestDeterministicTiebreakConvergesAcrossDevices(t *testing.T) {
	ctx := context.Background()
	h := New(t, "u1")
	a := h.AddDevice("aaa-device")
	b := h.AddDevice("zzz-device")

	h.Create(ctx, a, "routines", "r1", map[string]any{"name": "morning"})
	h.Sync(ctx, a)
	h.Sync(ctx, b)

	// Force identical timestamps isn't directly controllable through the
	// harness, but both devices racing the same field with no shield
	// present (i.e. after both have pushed) must still converge to a
	// single value on both sides.
	h.SetField(ctx, a, "routines", "r1", "name", "from-a")
	h.Sync(ctx, a)
	h.Sync(ctx, b)
	h.SetField(ctx, b, "routines", "r1", "name", "from-b")
	h.Sync(ctx, b)
	h.Sync(ctx, a)
	h.Sync(ctx, b)

	h.AssertConverged(ctx, "routines")
}
