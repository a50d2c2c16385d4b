package compactor

import (
	"encoding/json"
	"testing"

	"github.com/prabhask5/goal-planner/internal/outbox"
)

func val(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestCompact_CreateThenDeleteCancels(t *testing.T) {
	ops := []outbox.Op{
		{Seq: 1, Table: "tasks", EntityID: "t1", Kind: outbox.OpCreate},
		{Seq: 2, Table: "tasks", EntityID: "t1", Kind: outbox.OpSet, Field: "title", Value: val(t, "draft")},
		{Seq: 3, Table: "tasks", EntityID: "t1", Kind: outbox.OpDelete},
	}
	out := Compact(ops)
	if len(out) != 0 {
		t.Fatalf("expected create+delete to cancel entirely, got %v", out)
	}
}

func TestCompact_SameFieldSetsCollapseToLast(t *testing.T) {
	ops := []outbox.Op{
		{Seq: 1, Table: "tasks", EntityID: "t1", Kind: outbox.OpSet, Field: "title", Value: val(t, "a")},
		{Seq: 2, Table: "tasks", EntityID: "t1", Kind: outbox.OpSet, Field: "title", Value: val(t, "b")},
		{Seq: 3, Table: "tasks", EntityID: "t1", Kind: outbox.OpSet, Field: "title", Value: val(t, "c")},
	}
	out := Compact(ops)
	if len(out) != 1 || out[0].Kind != outbox.OpSet {
		t.Fatalf("expected one set op, got %v", out)
	}
	var patch map[string]string
	if err := json.Unmarshal(out[0].Value, &patch); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if patch["title"] != "c" {
		t.Fatalf("expected last value 'c', got %q", patch["title"])
	}
}

func TestCompact_IncrementsSum(t *testing.T) {
	ops := []outbox.Op{
		{Seq: 1, Table: "goals", EntityID: "g1", Kind: outbox.OpIncrement, Field: "progress", Value: val(t, 5.0)},
		{Seq: 2, Table: "goals", EntityID: "g1", Kind: outbox.OpIncrement, Field: "progress", Value: val(t, -2.0)},
		{Seq: 3, Table: "goals", EntityID: "g1", Kind: outbox.OpIncrement, Field: "progress", Value: val(t, 3.0)},
	}
	out := Compact(ops)
	if len(out) != 1 || out[0].Kind != outbox.OpIncrement {
		t.Fatalf("expected one increment op, got %v", out)
	}
	if out[0].Delta() != 6.0 {
		t.Fatalf("expected summed delta 6.0, got %v", out[0].Delta())
	}
}

func TestCompact_IncrementsCancellingOutAreDropped(t *testing.T) {
	ops := []outbox.Op{
		{Seq: 1, Table: "goals", EntityID: "g1", Kind: outbox.OpIncrement, Field: "progress", Value: val(t, 5.0)},
		{Seq: 2, Table: "goals", EntityID: "g1", Kind: outbox.OpIncrement, Field: "progress", Value: val(t, -5.0)},
	}
	out := Compact(ops)
	if len(out) != 0 {
		t.Fatalf("expected net-zero increments to be dropped, got %v", out)
	}
}

func TestCompact_DeleteDropsPriorFieldWrites(t *testing.T) {
	ops := []outbox.Op{
		{Seq: 1, Table: "tasks", EntityID: "t1", Kind: outbox.OpSet, Field: "title", Value: val(t, "a")},
		{Seq: 2, Table: "tasks", EntityID: "t1", Kind: outbox.OpDelete},
	}
	out := Compact(ops)
	if len(out) != 1 || out[0].Kind != outbox.OpDelete {
		t.Fatalf("expected delete-wins, got %v", out)
	}
}

func TestCompact_IsIdempotent(t *testing.T) {
	ops := []outbox.Op{
		{Seq: 1, Table: "tasks", EntityID: "t1", Kind: outbox.OpCreate},
		{Seq: 2, Table: "tasks", EntityID: "t1", Kind: outbox.OpSet, Field: "title", Value: val(t, "a")},
		{Seq: 3, Table: "tasks", EntityID: "t1", Kind: outbox.OpSet, Field: "title", Value: val(t, "b")},
		{Seq: 4, Table: "goals", EntityID: "g1", Kind: outbox.OpIncrement, Field: "progress", Value: val(t, 2.0)},
	}
	first := Compact(ops)
	second := Compact(first)

	fb, _ := json.Marshal(first)
	sb, _ := json.Marshal(second)
	if string(fb) != string(sb) {
		t.Fatalf("compaction is not idempotent:\nfirst:  %s\nsecond: %s", fb, sb)
	}
}

func TestCompact_CreateMergesSubsequentSetAndIncrement(t *testing.T) {
	ops := []outbox.Op{
		{Seq: 1, Table: "goals", EntityID: "g1", Kind: outbox.OpCreate, Value: val(t, map[string]any{"title": "run 5k", "current_value": 0.0})},
		{Seq: 2, Table: "goals", EntityID: "g1", Kind: outbox.OpIncrement, Field: "current_value", Value: val(t, 3.0)},
		{Seq: 3, Table: "goals", EntityID: "g1", Kind: outbox.OpSet, Field: "title", Value: val(t, "run 10k")},
	}
	out := Compact(ops)
	if len(out) != 1 || out[0].Kind != outbox.OpCreate {
		t.Fatalf("expected a single merged create op, got %v", out)
	}

	var payload map[string]any
	if err := json.Unmarshal(out[0].Value, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["title"] != "run 10k" {
		t.Fatalf("expected set to overwrite title, got %v", payload["title"])
	}
	if payload["current_value"] != 3.0 {
		t.Fatalf("expected increment to sum against the create's own initial value, got %v", payload["current_value"])
	}
}

func TestCompact_DifferentEntitiesKeepSeparateOps(t *testing.T) {
	ops := []outbox.Op{
		{Seq: 1, Table: "tasks", EntityID: "t1", Kind: outbox.OpSet, Field: "title", Value: val(t, "a")},
		{Seq: 2, Table: "tasks", EntityID: "t2", Kind: outbox.OpSet, Field: "title", Value: val(t, "b")},
	}
	out := Compact(ops)
	if len(out) != 2 {
		t.Fatalf("expected 2 ops for 2 distinct entities, got %d", len(out))
	}
}
