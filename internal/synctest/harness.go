// Package synctest is a multi-device test harness for exercising the sync
// engine end to end: several simulated devices, each with its own local
// store, pushing and pulling through one shared reference remote.
// Adapted from the kind of simulated-client harness a sync system's own
// test suite builds for itself.
package synctest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prabhask5/goal-planner/internal/remoteserver"
	"github.com/prabhask5/goal-planner/internal/store"
	"github.com/prabhask5/goal-planner/internal/syncengine"
	"github.com/prabhask5/goal-planner/internal/syncstatus"
)

// Device is one simulated client: its own store, device id and engine.
type Device struct {
	ID     string
	Store  *store.Store
	Engine *syncengine.Engine
}

// Harness wires N simulated devices to one shared in-process remote.
type Harness struct {
	t       *testing.T
	UserID  string
	Remote  *remoteserver.Server
	Devices map[string]*Device
	dir     string
}

// New creates a Harness with an in-process reference remote backed by a
// temp-dir SQLite file, and no devices yet -- call AddDevice per device.
func New(t *testing.T, userID string) *Harness {
	t.Helper()
	dir := t.TempDir()

	remote, err := remoteserver.Open(filepath.Join(dir, "remote.db"))
	if err != nil {
		t.Fatalf("synctest: open remote: %v", err)
	}
	t.Cleanup(func() { remote.Close() })

	return &Harness{t: t, UserID: userID, Remote: remote, Devices: map[string]*Device{}, dir: dir}
}

// AddDevice creates a new simulated device named name with its own local
// store and engine talking to the shared remote.
func (h *Harness) AddDevice(name string) *Device {
	h.t.Helper()
	st, err := store.Open(filepath.Join(h.dir, fmt.Sprintf("%s.db", name)))
	if err != nil {
		h.t.Fatalf("synctest: open store for %s: %v", name, err)
	}
	h.t.Cleanup(func() { st.Close() })

	remote := remoteserver.UserRemote{Server: h.Remote, UserID: h.UserID}
	engine := syncengine.New(st, remote, name, syncstatus.New())

	d := &Device{ID: name, Store: st, Engine: engine}
	h.Devices[name] = d
	return d
}

// Create inserts a new entity on d's local store and logs it to the
// outbox in the same transaction.
func (h *Harness) Create(ctx context.Context, d *Device, table, id string, data map[string]any) {
	h.t.Helper()
	now := time.Now()
	err := d.Store.Tx(ctx, func(tx *sqlTx) error {
		return outboxCreate(ctx, tx, table, h.UserID, id, data, now, d.ID)
	})
	if err != nil {
		h.t.Fatalf("synctest: create %s/%s on %s: %v", table, id, d.ID, err)
	}
}

// SetField patches one field on an existing entity.
func (h *Harness) SetField(ctx context.Context, d *Device, table, id, field string, value any) {
	h.t.Helper()
	now := time.Now()
	err := d.Store.Tx(ctx, func(tx *sqlTx) error {
		return outboxSetField(ctx, tx, table, id, field, value, now, d.ID)
	})
	if err != nil {
		h.t.Fatalf("synctest: set %s/%s.%s on %s: %v", table, id, field, d.ID, err)
	}
}

// Increment applies a signed delta to a numeric field.
func (h *Harness) Increment(ctx context.Context, d *Device, table, id, field string, delta float64) {
	h.t.Helper()
	now := time.Now()
	err := d.Store.Tx(ctx, func(tx *sqlTx) error {
		return outboxIncrement(ctx, tx, table, id, field, delta, now, d.ID)
	})
	if err != nil {
		h.t.Fatalf("synctest: increment %s/%s.%s on %s: %v", table, id, field, d.ID, err)
	}
}

// Delete soft-deletes an entity.
func (h *Harness) Delete(ctx context.Context, d *Device, table, id string) {
	h.t.Helper()
	now := time.Now()
	err := d.Store.Tx(ctx, func(tx *sqlTx) error {
		return outboxDelete(ctx, tx, table, id, now, d.ID)
	})
	if err != nil {
		h.t.Fatalf("synctest: delete %s/%s on %s: %v", table, id, d.ID, err)
	}
}

// Sync performs push-then-pull on d, the common round trip a running
// engine performs after a local mutation or on a timer.
func (h *Harness) Sync(ctx context.Context, d *Device) {
	h.t.Helper()
	if err := d.Engine.Drain(ctx); err != nil {
		h.t.Fatalf("synctest: %s drain: %v", d.ID, err)
	}
	if err := d.Engine.Reconcile(ctx); err != nil {
		h.t.Fatalf("synctest: %s reconcile: %v", d.ID, err)
	}
}

// SyncAll syncs every device once. Devices are visited in map iteration
// order, so the order among them is not defined.
func (h *Harness) SyncAll(ctx context.Context) {
	h.t.Helper()
	for _, name := range h.order() {
		h.Sync(ctx, h.Devices[name])
	}
}

// AssertConverged fails the test unless every device sees the same
// non-deleted rows for table.
func (h *Harness) AssertConverged(ctx context.Context, table string) {
	h.t.Helper()
	var reference map[string]store.Row
	var referenceDevice string

	for _, name := range h.order() {
		d := h.Devices[name]
		rows, err := store.QueryByUser(ctx, d.Store.DB(), table, h.UserID, false)
		if err != nil {
			h.t.Fatalf("synctest: query %s on %s: %v", table, name, err)
		}
		byID := map[string]store.Row{}
		for _, r := range rows {
			byID[r.ID] = r
		}

		if reference == nil {
			reference = byID
			referenceDevice = name
			continue
		}
		if len(byID) != len(reference) {
			h.t.Fatalf("synctest: %s has %d rows in %s, %s has %d", name, len(byID), table, referenceDevice, len(reference))
		}
		for id, row := range reference {
			other, ok := byID[id]
			if !ok {
				h.t.Fatalf("synctest: %s missing row %s/%s present on %s", name, table, id, referenceDevice)
			}
			if !dataEqual(row.Data, other.Data) {
				h.t.Fatalf("synctest: %s/%s diverges between %s (%v) and %s (%v)", table, id, referenceDevice, row.Data, name, other.Data)
			}
		}
	}
}

func dataEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if fmt.Sprint(b[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func (h *Harness) order() []string {
	var out []string
	for name := range h.Devices {
		out = append(out, name)
	}
	return out
}

// Now is a small indirection so tests can reference a stable "current
// time" without depending on wall-clock ordering between fast operations.
func Now() time.Time { return time.Now() }
