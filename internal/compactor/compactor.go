// Package compactor coalesces queued outbox operations before push (C5):
// redundant or superseded writes against the same entity are merged into
// the minimal set of operations with the same net effect, in a single
// deterministic pass. Compaction never touches the store -- it only
// rewrites the in-memory plan the push engine will send.
package compactor

import (
	"encoding/json"
	"sort"

	"github.com/prabhask5/goal-planner/internal/outbox"
)

type entityKey struct {
	table string
	id    string
}

// state accumulates one entity's net effect across its queued ops.
type state struct {
	created     bool
	createValue map[string]json.RawMessage // create op's initial payload, when created in this batch
	deleted     bool
	fields      map[string]json.RawMessage // last-write-wins per field
	fieldOrder  []string
	increments  map[string]float64 // summed signed deltas per field
	incrOrder   []string
	firstSeq    int64
	lastSeq     int64
	baseVersion int64 // entity version before the earliest op in this batch, carried as the remote CAS expectation
}

// Compact reduces ops (already ordered by seq ascending) to the minimal
// equivalent set. The result preserves the relative order of entities by
// each entity's first remaining operation.
func Compact(ops []outbox.Op) []outbox.Op {
	order := []entityKey{}
	states := map[entityKey]*state{}

	for _, op := range ops {
		k := entityKey{op.Table, op.EntityID}
		st, ok := states[k]
		if !ok {
			st = &state{fields: map[string]json.RawMessage{}, increments: map[string]float64{}}
			states[k] = st
			order = append(order, k)
			st.firstSeq = op.Seq
			st.baseVersion = op.BaseVersion
		}
		st.lastSeq = op.Seq

		switch op.Kind {
		case outbox.OpCreate:
			st.created = true
			st.deleted = false
			var payload map[string]json.RawMessage
			_ = json.Unmarshal(op.Value, &payload)
			st.createValue = payload
		case outbox.OpDelete:
			if st.created {
				// Created and deleted before ever reaching the remote:
				// net effect is nothing happened.
				delete(states, k)
				removeKey(&order, k)
				continue
			}
			st.deleted = true
			st.fields = map[string]json.RawMessage{}
			st.fieldOrder = nil
			st.increments = map[string]float64{}
			st.incrOrder = nil
		case outbox.OpSet:
			applySet(st, op)
		case outbox.OpIncrement:
			if _, seen := st.increments[op.Field]; !seen {
				st.incrOrder = append(st.incrOrder, op.Field)
			}
			st.increments[op.Field] += op.Delta()
		}
	}

	var out []outbox.Op
	for _, k := range order {
		st := states[k]
		out = append(out, st.toOps(k)...)
	}
	return out
}

func applySet(st *state, op outbox.Op) {
	// A set replaces any increment queued earlier for the same field.
	dropIncrement := func(f string) {
		if _, ok := st.increments[f]; !ok {
			return
		}
		delete(st.increments, f)
		for i, g := range st.incrOrder {
			if g == f {
				st.incrOrder = append(st.incrOrder[:i], st.incrOrder[i+1:]...)
				break
			}
		}
	}
	if op.Field != "" {
		dropIncrement(op.Field)
		if _, seen := st.fields[op.Field]; !seen {
			st.fieldOrder = append(st.fieldOrder, op.Field)
		}
		st.fields[op.Field] = op.Value
		return
	}
	// Multi-field set: merge each field, last value wins.
	var patch map[string]json.RawMessage
	_ = json.Unmarshal(op.Value, &patch)
	for _, f := range sortedKeys(op) {
		dropIncrement(f)
		if _, seen := st.fields[f]; !seen {
			st.fieldOrder = append(st.fieldOrder, f)
		}
		st.fields[f] = patch[f]
	}
}

func sortedKeys(op outbox.Op) []string {
	var m map[string]json.RawMessage
	_ = json.Unmarshal(op.Value, &m)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toOps renders the net effect. A create in this batch folds every
// subsequent set (overwritten) and increment (summed against the initial
// value) into the create's own payload, per the "create absorbs its
// own follow-up writes" rule -- a create can never coexist with deleted
// here, since Compact cancels create+delete entirely before this runs.
func (st *state) toOps(k entityKey) []outbox.Op {
	if st.created {
		payload := make(map[string]json.RawMessage, len(st.createValue)+len(st.fieldOrder))
		for f, v := range st.createValue {
			payload[f] = v
		}
		for _, f := range st.fieldOrder {
			payload[f] = st.fields[f]
		}
		for _, f := range st.incrOrder {
			delta := st.increments[f]
			if delta == 0 {
				continue
			}
			var base float64
			if raw, ok := payload[f]; ok {
				_ = json.Unmarshal(raw, &base)
			}
			raw, _ := json.Marshal(base + delta)
			payload[f] = raw
		}
		raw, _ := json.Marshal(payload)
		return []outbox.Op{{Seq: st.lastSeq, Table: k.table, EntityID: k.id, Kind: outbox.OpCreate, Value: raw}}
	}

	var out []outbox.Op
	if st.deleted {
		out = append(out, outbox.Op{Seq: st.lastSeq, Table: k.table, EntityID: k.id, Kind: outbox.OpDelete, BaseVersion: st.baseVersion})
		return out
	}
	if len(st.fieldOrder) > 0 {
		patch := make(map[string]json.RawMessage, len(st.fieldOrder))
		for _, f := range st.fieldOrder {
			patch[f] = st.fields[f]
		}
		raw, _ := json.Marshal(patch)
		out = append(out, outbox.Op{Seq: st.lastSeq, Table: k.table, EntityID: k.id, Kind: outbox.OpSet, Value: raw, BaseVersion: st.baseVersion})
	}
	for _, f := range st.incrOrder {
		delta := st.increments[f]
		if delta == 0 {
			continue
		}
		raw, _ := json.Marshal(delta)
		out = append(out, outbox.Op{Seq: st.lastSeq, Table: k.table, EntityID: k.id, Kind: outbox.OpIncrement, Field: f, Value: raw, BaseVersion: st.baseVersion})
	}
	return out
}

func removeKey(order *[]entityKey, k entityKey) {
	s := *order
	for i, ek := range s {
		if ek == k {
			*order = append(s[:i], s[i+1:]...)
			return
		}
	}
}
