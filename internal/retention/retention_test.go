package retention

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/prabhask5/goal-planner/internal/store"
)

func openTest(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRunSweepsOldTombstonesOnly(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	seed := func(id string, deleted bool, updatedAt time.Time) {
		row := store.Row{ID: id, UserID: "u1", CreatedAt: updatedAt, UpdatedAt: updatedAt, Deleted: deleted, Version: 1, DeviceID: "dev-a", Data: map[string]any{"title": id}}
		if err := st.Tx(ctx, func(tx *sql.Tx) error { return store.Put(ctx, tx, "goals", row) }); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	seed("stale-tombstone", true, old)
	seed("recent-tombstone", true, recent)
	seed("live", false, old)

	sweeper := &Sweeper{Store: st, TTL: 30 * 24 * time.Hour}
	if err := sweeper.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, ok, _ := store.Get(ctx, st.DB(), "goals", "stale-tombstone"); ok {
		t.Fatal("expected stale tombstone to be hard-deleted")
	}
	if _, ok, _ := store.Get(ctx, st.DB(), "goals", "recent-tombstone"); !ok {
		t.Fatal("expected recent tombstone to survive the sweep")
	}
	if _, ok, _ := store.Get(ctx, st.DB(), "goals", "live"); !ok {
		t.Fatal("expected live (non-deleted) row to survive regardless of age")
	}
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	st := openTest(t)
	sweeper := &Sweeper{Store: st, TTL: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Loop(ctx, 5*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Loop to return after context cancellation")
	}
}
