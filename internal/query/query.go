// Package query is the reactive read layer (C10): thin per-entity readers
// that re-run their predicate whenever the engine bus signals a change
// relevant to them, so a UI can treat a query result as always current
// without polling.
package query

import (
	"context"
	"sync"

	"github.com/prabhask5/goal-planner/internal/enginebus"
	"github.com/prabhask5/goal-planner/internal/store"
)

// Predicate filters rows for a live query.
type Predicate func(store.Row) bool

// Reader is a live, re-evaluated view over one entity table.
type Reader struct {
	st      *store.Store
	table   string
	userID  string
	filter  Predicate

	mu      sync.RWMutex
	current []store.Row

	sub    <-chan enginebus.Event
	cancel context.CancelFunc
}

// NewReader creates a Reader that includes non-deleted rows matching
// filter (filter may be nil to include every non-deleted row), and
// immediately performs its first read.
func NewReader(ctx context.Context, st *store.Store, bus *enginebus.Bus, table, userID string, filter Predicate) (*Reader, error) {
	r := &Reader{st: st, table: table, userID: userID, filter: filter}
	if err := r.refresh(ctx); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.sub = bus.Subscribe(subCtx)

	go r.watch(subCtx)
	return r, nil
}

// Rows returns the last-computed snapshot.
func (r *Reader) Rows() []store.Row {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Row, len(r.current))
	copy(out, r.current)
	return out
}

// Close stops the reader from reacting to further bus events.
func (r *Reader) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reader) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub:
			if !ok {
				return
			}
			if ev.Table != "" && ev.Table != r.table {
				continue
			}
			_ = r.refresh(ctx)
		}
	}
}

func (r *Reader) refresh(ctx context.Context) error {
	rows, err := store.QueryByUser(ctx, r.st.DB(), r.table, r.userID, false)
	if err != nil {
		return err
	}
	if r.filter != nil {
		filtered := rows[:0]
		for _, row := range rows {
			if r.filter(row) {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	r.mu.Lock()
	r.current = rows
	r.mu.Unlock()
	return nil
}
