// Package resolver implements the three-tier field-level conflict
// resolution used when a pulled remote change and a pending/just-applied
// local change touch the same entity (C7).
package resolver

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/prabhask5/goal-planner/internal/telemetry"
)

var log = telemetry.Component("resolver")

// Side identifies which version of a field value won.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideMerge  Side = "merge" // both sides kept, different fields
)

// Version describes one side (local or remote) of an entity at the point
// of conflict.
type Version struct {
	Data      map[string]any
	UpdatedAt time.Time
	DeviceID  string
	Deleted   bool
	HasPendingOp map[string]bool // fields with an un-pushed local outbox op
}

// FieldResolution records the outcome for a single field, used to build
// conflict_history rows.
type FieldResolution struct {
	Field  string
	Winner Side
	Local  any
	Remote any
}

// Result is the outcome of resolving one entity.
type Result struct {
	Merged    map[string]any
	Deleted   bool
	Fields    []FieldResolution
	NoConflict bool
}

// Resolve merges local and remote versions of one entity's fields.
func Resolve(local, remote Version) Result {
	// Tier 1: trivial resolution -- identical effective state, nothing to
	// reconcile.
	if local.Deleted == remote.Deleted && reflect.DeepEqual(local.Data, remote.Data) {
		return Result{Merged: local.Data, Deleted: local.Deleted, NoConflict: true}
	}

	// Delete-wins: a delete on either side always wins, regardless of
	// timestamps -- resurrecting a deleted entity is never correct.
	if local.Deleted || remote.Deleted {
		return Result{Deleted: true, NoConflict: false, Fields: []FieldResolution{{
			Field: "*", Winner: sideFor(local.Deleted, remote), Local: local.Deleted, Remote: remote.Deleted,
		}}}
	}

	fields := unionFields(local.Data, remote.Data)
	merged := make(map[string]any, len(fields))
	var resolutions []FieldResolution

	for _, f := range fields {
		lv, lok := local.Data[f]
		rv, rok := remote.Data[f]

		switch {
		case lok && rok && reflect.DeepEqual(lv, rv):
			// Tier 1: trivial per-field equality.
			merged[f] = lv
			continue
		case lok && !rok:
			merged[f] = lv
			continue
		case !lok && rok:
			merged[f] = rv
			continue
		}

		// Tier 2: field disjointness is handled implicitly -- if only one
		// side touched this field we never reach here. Both sides set a
		// genuinely conflicting value; fall to tier 3 per-field rules.
		winner, val := resolveField(f, lv, rv, local, remote)
		merged[f] = val
		resolutions = append(resolutions, FieldResolution{Field: f, Winner: winner, Local: lv, Remote: rv})
	}

	return Result{Merged: merged, Deleted: false, Fields: resolutions}
}

func sideFor(localDeleted bool, remote Version) Side {
	if localDeleted {
		return SideLocal
	}
	_ = remote
	return SideRemote
}

func resolveField(field string, lv, rv any, local, remote Version) (Side, any) {
	// Pending-op shield: an un-pushed local write to this exact field
	// always wins over a concurrently pulled remote value, since the
	// local write hasn't had a chance to reach the remote yet.
	if local.HasPendingOp != nil && local.HasPendingOp[field] {
		return SideLocal, lv
	}

	// Last-write-wins by timestamp.
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return SideLocal, lv
	}
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return SideRemote, rv
	}

	// Deterministic tiebreak: lower device_id wins, so every device
	// computes the identical outcome without coordination.
	if strings.Compare(local.DeviceID, remote.DeviceID) <= 0 {
		return SideLocal, lv
	}
	return SideRemote, rv
}

func unionFields(a, b map[string]any) []string {
	seen := map[string]bool{}
	var out []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// DiffFields returns the fields whose JSON-encoded value differs between
// previous and current, skipping the entity id -- grounded on the
// host app's reflection-based partial-update diffing, used here to
// determine which fields a local write actually touched.
func DiffFields(previous, current map[string]any) map[string]bool {
	out := map[string]bool{}
	for k, cv := range current {
		if k == "id" {
			continue
		}
		pv, ok := previous[k]
		if !ok || !jsonEqual(pv, cv) {
			out[k] = true
		}
	}
	for k := range previous {
		if k == "id" {
			continue
		}
		if _, ok := current[k]; !ok {
			out[k] = true
		}
	}
	return out
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ab) == string(bb)
}
