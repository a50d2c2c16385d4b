// Package remoteserver is a reference implementation of the external
// relational store and realtime feed described in the engine's external
// interfaces (§6). It exists only for integration tests and local
// development via `syncctl serve` -- the production remote is an external
// service, out of scope for this repository.
package remoteserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prabhask5/goal-planner/internal/entity"
	"github.com/prabhask5/goal-planner/internal/realtime"
	"github.com/prabhask5/goal-planner/internal/remoteclient"
	"github.com/prabhask5/goal-planner/internal/telemetry"
)

var log = telemetry.Component("remoteserver")

// Server is the reference remote store.
type Server struct {
	db *sql.DB

	mu        sync.Mutex
	listeners map[string][]chan realtime.Event // keyed by userID
}

// Open opens (creating if needed) the reference remote's SQLite file.
func Open(path string) (*Server, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("remoteserver: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS remote_entities (
		rowid INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		"table" TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		deleted INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		device_id TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE("table", entity_id)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("remoteserver: schema: %w", err)
	}

	return &Server{db: db, listeners: map[string][]chan realtime.Event{}}, nil
}

// Close closes the underlying database.
func (s *Server) Close() error { return s.db.Close() }

// Push applies a batch of events for userID. "set" and "increment" both
// conflict against a deleted target; "set" additionally conflicts when
// ExpectVer doesn't match the stored version. "increment" skips the
// version check since its delta merges safely against whatever is
// currently stored, regardless of what else changed the row meanwhile.
func (s *Server) Push(ctx context.Context, userID string, req remoteclient.PushRequest) (remoteclient.PushResponse, error) {
	var resp remoteclient.PushResponse

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return resp, fmt.Errorf("remoteserver: push: begin: %w", err)
	}
	defer tx.Rollback()

	for i, ev := range req.Events {
		if !entity.IsKnown(ev.Table) {
			return resp, fmt.Errorf("remoteserver: push: unknown table %q", ev.Table)
		}

		var curVersion int64
		var curData string
		var curDeleted int
		err := tx.QueryRowContext(ctx, `SELECT version, data, deleted FROM remote_entities WHERE "table"=? AND entity_id=?`, ev.Table, ev.EntityID).
			Scan(&curVersion, &curData, &curDeleted)

		switch ev.Kind {
		case "create":
			if err == sql.ErrNoRows {
				data := "{}"
				if len(ev.Value) > 0 {
					data = string(ev.Value)
				}
				if _, e := tx.ExecContext(ctx, `INSERT INTO remote_entities (user_id, "table", entity_id, data, deleted, version, device_id, updated_at)
					VALUES (?, ?, ?, ?, 0, 1, ?, ?)`, userID, ev.Table, ev.EntityID, data, req.DeviceID, ev.Timestamp.Format(time.RFC3339Nano)); e != nil {
					return resp, fmt.Errorf("remoteserver: create: %w", e)
				}
			}
			resp.Acked = append(resp.Acked, i)
		case "delete":
			if err == nil {
				if _, e := tx.ExecContext(ctx, `UPDATE remote_entities SET rowid=(SELECT MAX(rowid)+1 FROM remote_entities), deleted=1, version=version+1, device_id=?, updated_at=? WHERE "table"=? AND entity_id=?`,
					req.DeviceID, ev.Timestamp.Format(time.RFC3339Nano), ev.Table, ev.EntityID); e != nil {
					return resp, fmt.Errorf("remoteserver: delete: %w", e)
				}
			}
			resp.Acked = append(resp.Acked, i)
		case "set", "increment":
			if err == sql.ErrNoRows {
				resp.Conflicts = append(resp.Conflicts, i)
				continue
			}
			if err != nil {
				return resp, fmt.Errorf("remoteserver: lookup: %w", err)
			}
			if curDeleted != 0 {
				resp.Conflicts = append(resp.Conflicts, i)
				continue
			}
			// A version mismatch only matters for "set": it overwrites a
			// field outright, so a stale expectation could clobber a newer
			// remote value. "increment" applies its delta against whatever
			// is currently stored (below), which commutes regardless of
			// what else changed the row in between, so it skips the check.
			if ev.Kind == "set" && curVersion != ev.ExpectVer {
				resp.Conflicts = append(resp.Conflicts, i)
				continue
			}
			merged, mergeErr := mergeField(curData, ev)
			if mergeErr != nil {
				return resp, mergeErr
			}
			if _, e := tx.ExecContext(ctx, `UPDATE remote_entities SET rowid=(SELECT MAX(rowid)+1 FROM remote_entities), data=?, version=version+1, device_id=?, updated_at=? WHERE "table"=? AND entity_id=?`,
				merged, req.DeviceID, ev.Timestamp.Format(time.RFC3339Nano), ev.Table, ev.EntityID); e != nil {
				return resp, fmt.Errorf("remoteserver: update: %w", e)
			}
			resp.Acked = append(resp.Acked, i)
		}
	}

	if err := tx.Commit(); err != nil {
		return resp, fmt.Errorf("remoteserver: push: commit: %w", err)
	}

	for _, ev := range req.Events {
		s.broadcast(userID, realtime.Event{Table: ev.Table, EntityID: ev.EntityID, Field: ev.Field, DeviceID: req.DeviceID, Timestamp: ev.Timestamp})
	}

	return resp, nil
}

func mergeField(curData string, ev remoteclient.PushEvent) (string, error) {
	var m map[string]any
	if curData != "" {
		if err := json.Unmarshal([]byte(curData), &m); err != nil {
			return "", fmt.Errorf("remoteserver: unmarshal data: %w", err)
		}
	}
	if m == nil {
		m = map[string]any{}
	}

	if ev.Kind == "increment" {
		var delta float64
		if err := json.Unmarshal(ev.Value, &delta); err != nil {
			return "", fmt.Errorf("remoteserver: unmarshal delta: %w", err)
		}
		var cur float64
		if v, ok := m[ev.Field].(float64); ok {
			cur = v
		}
		m[ev.Field] = cur + delta
	} else if ev.Field != "" {
		var v any
		if err := json.Unmarshal(ev.Value, &v); err != nil {
			return "", fmt.Errorf("remoteserver: unmarshal value: %w", err)
		}
		m[ev.Field] = v
	} else {
		var patch map[string]any
		if err := json.Unmarshal(ev.Value, &patch); err != nil {
			return "", fmt.Errorf("remoteserver: unmarshal patch: %w", err)
		}
		for k, v := range patch {
			m[k] = v
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("remoteserver: marshal merged: %w", err)
	}
	return string(b), nil
}

// Pull returns one page of entities updated after cursor (a stringified
// rowid), for userID. Every write in Push moves its row to a new, higher
// rowid, so rowid order is the order of last change.
func (s *Server) Pull(ctx context.Context, userID, cursor string, limit int) (remoteclient.PullResponse, error) {
	after := int64(0)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return remoteclient.PullResponse{}, fmt.Errorf("remoteserver: bad cursor %q: %w", cursor, err)
		}
		after = v
	}

	rows, err := s.db.QueryContext(ctx, `SELECT rowid, "table", entity_id, data, deleted, version, device_id, updated_at
		FROM remote_entities WHERE user_id = ? AND rowid > ? ORDER BY rowid ASC LIMIT ?`, userID, after, limit+1)
	if err != nil {
		return remoteclient.PullResponse{}, fmt.Errorf("remoteserver: pull: %w", err)
	}
	defer rows.Close()

	var out remoteclient.PullResponse
	count := 0
	for rows.Next() {
		count++
		if count > limit {
			out.HasMore = true
			break
		}
		var rowid int64
		var table, entityID, data, deviceID, updatedAt string
		var deleted, version int64
		if err := rows.Scan(&rowid, &table, &entityID, &data, &deleted, &version, &deviceID, &updatedAt); err != nil {
			return out, fmt.Errorf("remoteserver: scan: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, updatedAt)
		out.Events = append(out.Events, remoteclient.PullEvent{
			Cursor: strconv.FormatInt(rowid, 10), Table: table, EntityID: entityID,
			Data: json.RawMessage(data), Deleted: deleted != 0, Version: version,
			DeviceID: deviceID, UpdatedAt: ts,
		})
	}
	if len(out.Events) > 0 {
		out.NextCursor = out.Events[len(out.Events)-1].Cursor
	} else {
		out.NextCursor = cursor
	}
	return out, rows.Err()
}

// Subscribe implements realtime.ChannelProvider against the in-process
// broadcaster, used by tests that exercise the realtime ingress without a
// real HTTP stream.
func (s *Server) Subscribe(ctx context.Context, userID string, onEvent func(realtime.Event)) (realtime.Channel, error) {
	ch := make(chan realtime.Event, 32)
	s.mu.Lock()
	s.listeners[userID] = append(s.listeners[userID], ch)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				onEvent(ev)
			}
		}
	}()

	return &inprocChannel{server: s, userID: userID, ch: ch, done: done}, nil
}

type inprocChannel struct {
	server *Server
	userID string
	ch     chan realtime.Event
	done   chan struct{}
}

func (c *inprocChannel) Close() error {
	c.server.mu.Lock()
	subs := c.server.listeners[c.userID]
	for i, s := range subs {
		if s == c.ch {
			c.server.listeners[c.userID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	c.server.mu.Unlock()
	close(c.ch)
	<-c.done
	return nil
}

func (s *Server) broadcast(userID string, ev realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners[userID] {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("user_id", userID).Msg("realtime listener backpressure, dropping event")
		}
	}
}
