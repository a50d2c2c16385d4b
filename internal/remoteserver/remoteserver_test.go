package remoteserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/prabhask5/goal-planner/internal/remoteclient"
)

func openTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := Open(filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestPush_SetConflictsOnStaleExpectVer(t *testing.T) {
	ctx := context.Background()
	srv := openTestServer(t)

	create := remoteclient.PushRequest{DeviceID: "a", Events: []remoteclient.PushEvent{
		{Table: "tasks", EntityID: "t1", Kind: "create", Timestamp: time.Now()},
	}}
	if _, err := srv.Push(ctx, "u1", create); err != nil {
		t.Fatalf("create: %v", err)
	}

	// First set against version 1 succeeds and advances the remote to version 2.
	set1 := remoteclient.PushRequest{DeviceID: "a", Events: []remoteclient.PushEvent{
		{Table: "tasks", EntityID: "t1", Kind: "set", Field: "title", Value: raw(t, "draft"), ExpectVer: 1, Timestamp: time.Now()},
	}}
	resp, err := srv.Push(ctx, "u1", set1)
	if err != nil {
		t.Fatalf("set1: %v", err)
	}
	if len(resp.Conflicts) != 0 {
		t.Fatalf("expected no conflict on first set, got %v", resp.Conflicts)
	}

	// A second set still carrying ExpectVer=1 is now stale: the remote moved to 2.
	set2 := remoteclient.PushRequest{DeviceID: "b", Events: []remoteclient.PushEvent{
		{Table: "tasks", EntityID: "t1", Kind: "set", Field: "title", Value: raw(t, "finalized"), ExpectVer: 1, Timestamp: time.Now()},
	}}
	resp, err = srv.Push(ctx, "u1", set2)
	if err != nil {
		t.Fatalf("set2: %v", err)
	}
	if len(resp.Conflicts) != 1 || resp.Conflicts[0] != 0 {
		t.Fatalf("expected event 0 to conflict on stale version, got acked=%v conflicts=%v", resp.Acked, resp.Conflicts)
	}

	page, err := srv.Pull(ctx, "u1", "", 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal(page.Events[0].Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data["title"] != "draft" {
		t.Fatalf("stale set should not have applied, got title=%v", data["title"])
	}
}

func TestPush_IncrementIgnoresStaleExpectVer(t *testing.T) {
	ctx := context.Background()
	srv := openTestServer(t)

	create := remoteclient.PushRequest{DeviceID: "a", Events: []remoteclient.PushEvent{
		{Table: "habits", EntityID: "h1", Kind: "create", Timestamp: time.Now()},
	}}
	if _, err := srv.Push(ctx, "u1", create); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Bump the remote's version with an unrelated set, then increment while
	// still carrying the original (now stale) ExpectVer.
	bump := remoteclient.PushRequest{DeviceID: "a", Events: []remoteclient.PushEvent{
		{Table: "habits", EntityID: "h1", Kind: "set", Field: "name", Value: raw(t, "reading"), ExpectVer: 1, Timestamp: time.Now()},
	}}
	if _, err := srv.Push(ctx, "u1", bump); err != nil {
		t.Fatalf("bump: %v", err)
	}

	incr := remoteclient.PushRequest{DeviceID: "b", Events: []remoteclient.PushEvent{
		{Table: "habits", EntityID: "h1", Kind: "increment", Field: "streak", Value: raw(t, 3.0), ExpectVer: 1, Timestamp: time.Now()},
	}}
	resp, err := srv.Push(ctx, "u1", incr)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if len(resp.Conflicts) != 0 {
		t.Fatalf("increment should never conflict on version, got %v", resp.Conflicts)
	}

	page, err := srv.Pull(ctx, "u1", "", 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal(page.Events[0].Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data["streak"] != 3.0 {
		t.Fatalf("expected streak=3, got %v", data["streak"])
	}
}

func TestPush_SetAgainstDeletedEntityConflicts(t *testing.T) {
	ctx := context.Background()
	srv := openTestServer(t)

	create := remoteclient.PushRequest{DeviceID: "a", Events: []remoteclient.PushEvent{
		{Table: "notes", EntityID: "n1", Kind: "create", Timestamp: time.Now()},
	}}
	if _, err := srv.Push(ctx, "u1", create); err != nil {
		t.Fatalf("create: %v", err)
	}
	del := remoteclient.PushRequest{DeviceID: "a", Events: []remoteclient.PushEvent{
		{Table: "notes", EntityID: "n1", Kind: "delete", Timestamp: time.Now()},
	}}
	if _, err := srv.Push(ctx, "u1", del); err != nil {
		t.Fatalf("delete: %v", err)
	}

	set := remoteclient.PushRequest{DeviceID: "b", Events: []remoteclient.PushEvent{
		{Table: "notes", EntityID: "n1", Kind: "set", Field: "body", Value: raw(t, "resurrected"), ExpectVer: 2, Timestamp: time.Now()},
	}}
	resp, err := srv.Push(ctx, "u1", set)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(resp.Conflicts) != 1 {
		t.Fatalf("expected set against a deleted entity to conflict, got acked=%v conflicts=%v", resp.Acked, resp.Conflicts)
	}
}

func TestPush_CreateStoresPushedValue(t *testing.T) {
	ctx := context.Background()
	srv := openTestServer(t)

	create := remoteclient.PushRequest{DeviceID: "a", Events: []remoteclient.PushEvent{
		{Table: "goals", EntityID: "g1", Kind: "create", Value: raw(t, map[string]any{"title": "run 5k", "current_value": 3.0}), Timestamp: time.Now()},
	}}
	resp, err := srv.Push(ctx, "u1", create)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(resp.Acked) != 1 {
		t.Fatalf("expected create to be acked, got %+v", resp)
	}

	pulled, err := srv.Pull(ctx, "u1", "", 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(pulled.Events) != 1 {
		t.Fatalf("expected one pulled event, got %d", len(pulled.Events))
	}
	var data map[string]any
	if err := json.Unmarshal(pulled.Events[0].Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data["title"] != "run 5k" || data["current_value"] != 3.0 {
		t.Fatalf("expected the create's pushed value to be stored, got %v", data)
	}
}
