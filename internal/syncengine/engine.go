// Package syncengine drives the push (drain) and pull (reconcile) halves
// of the sync pipeline (C6): compacting and sending queued outbox
// operations, and applying paginated remote changes back into the local
// store through the conflict resolver.
package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/prabhask5/goal-planner/internal/compactor"
	"github.com/prabhask5/goal-planner/internal/enginebus"
	"github.com/prabhask5/goal-planner/internal/netmon"
	"github.com/prabhask5/goal-planner/internal/outbox"
	"github.com/prabhask5/goal-planner/internal/realtime"
	"github.com/prabhask5/goal-planner/internal/remoteclient"
	"github.com/prabhask5/goal-planner/internal/resolver"
	"github.com/prabhask5/goal-planner/internal/store"
	"github.com/prabhask5/goal-planner/internal/syncerr"
	"github.com/prabhask5/goal-planner/internal/syncstatus"
	"github.com/prabhask5/goal-planner/internal/telemetry"
)

var log = telemetry.Component("syncengine")

const (
	maxRetries  = 5
	pushBatch   = 100
	pullPage    = 200
	reconcileTick = 15 * time.Minute
)

// Remote is the transport contract the engine pushes/pulls through.
type Remote interface {
	Push(ctx context.Context, req remoteclient.PushRequest) (remoteclient.PushResponse, error)
	Pull(ctx context.Context, cursor string, limit int) (remoteclient.PullResponse, error)
}

// ErrOffline is returned by Drain/Reconcile when Net reports the device is
// not currently reachable; the caller is expected to retry once netmon
// reports a reconnect.
var ErrOffline = fmt.Errorf("syncengine: offline")

// Engine owns one device's push/pull loop against one remote. Bus, Net, and
// Realtime are optional (nil-safe): a bare Engine built with New still
// drains and reconciles on direct calls, but without them it publishes no
// engine-bus events, never gates on reachability, and never receives
// realtime-triggered reconciles.
type Engine struct {
	Store    *store.Store
	Remote   Remote
	DeviceID string
	Status   *syncstatus.Observer

	Bus      *enginebus.Bus
	Net      *netmon.Monitor
	Realtime *realtime.Ingress

	draining atomic.Bool
	pulling  atomic.Bool
}

// New constructs an Engine. Bus/Net/Realtime are wired afterward by setting
// the exported fields directly, since not every caller (in particular the
// test harness) needs the full daemon wiring.
func New(st *store.Store, remote Remote, deviceID string, status *syncstatus.Observer) *Engine {
	return &Engine{Store: st, Remote: remote, DeviceID: deviceID, Status: status}
}

// Drain compacts the outbox and pushes everything eligible in one batch,
// retrying transient failures with exponential backoff. Only one drain
// runs at a time; a concurrent call is a no-op. If Net is set and reports
// offline, Drain returns ErrOffline without touching the queue.
func (e *Engine) Drain(ctx context.Context) error {
	if e.Net != nil && !e.Net.Online() {
		e.setStatus(syncstatus.StateOffline)
		return ErrOffline
	}
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer e.draining.Store(false)

	e.setStatus(syncstatus.StateSyncing)

	ops, err := outbox.Pending(ctx, e.Store.DB(), time.Now(), pushBatch)
	if err != nil {
		e.reportError(err, "drain: load pending")
		return fmt.Errorf("syncengine: drain: %w", err)
	}
	if len(ops) == 0 {
		if e.Status != nil {
			e.Status.SetPendingCount(0)
		}
		e.setStatus(syncstatus.StateIdle)
		return nil
	}

	compacted := compactor.Compact(ops)
	req := e.buildPushRequest(compacted)

	resp, pushErr := e.pushWithBackoff(ctx, req)
	if pushErr != nil {
		dropped, retryErr := e.retryAll(ctx, ops)
		if retryErr != nil {
			log.Warn().Err(retryErr).Msg("failed to record retry state")
		}
		if len(dropped) > 0 {
			e.reportDropped(dropped)
		}
		e.reportError(pushErr, "push")
		return fmt.Errorf("syncengine: push: %w", pushErr)
	}

	if len(resp.Conflicts) > 0 {
		if err := e.retryConflicts(ctx, compacted, resp.Conflicts); err != nil {
			log.Warn().Err(err).Msg("conflict retry failed, deferring to a later reconcile")
		}
	}

	seqs := make([]int64, 0, len(ops))
	tables := map[string]bool{}
	for _, op := range ops {
		seqs = append(seqs, op.Seq)
		tables[op.Table] = true
	}
	if err := e.Store.Tx(ctx, func(tx *sql.Tx) error {
		return outbox.Ack(ctx, tx, seqs)
	}); err != nil {
		e.reportError(err, "ack")
		return fmt.Errorf("syncengine: ack: %w", err)
	}

	if e.Realtime != nil {
		for _, op := range ops {
			e.Realtime.NoteLocalWrite(op.Table, op.EntityID)
		}
	}

	remaining, err := outbox.Count(ctx, e.Store.DB())
	if err == nil && e.Status != nil {
		e.Status.SetPendingCount(remaining)
	}
	if e.Status != nil {
		e.Status.SetLastSyncTime(time.Now())
		e.Status.SetError(nil, "")
	}
	e.publishTables(enginebus.KindPostPush, tables)
	e.setStatus(syncstatus.StateIdle)
	return nil
}

func (e *Engine) buildPushRequest(ops []outbox.Op) remoteclient.PushRequest {
	req := remoteclient.PushRequest{DeviceID: e.DeviceID, Events: make([]remoteclient.PushEvent, 0, len(ops))}
	for _, op := range ops {
		ev := remoteclient.PushEvent{
			Table:     op.Table,
			EntityID:  op.EntityID,
			Kind:      string(op.Kind),
			Field:     op.Field,
			Value:     op.Value,
			Timestamp: op.CreatedAt,
		}
		if op.Kind == outbox.OpSet || op.Kind == outbox.OpIncrement {
			ev.ExpectVer = op.BaseVersion
		}
		req.Events = append(req.Events, ev)
	}
	return req
}

// retryConflicts handles a remote CAS rejection on a push. It reconciles
// immediately so the local copy absorbs whatever the remote currently holds
// -- a pending local write to the same field is shielded by the resolver
// (C7), so a genuinely concurrent edit is preserved rather than clobbered --
// then re-pushes the affected ops once, now carrying the remote's real
// current version. A second rejection is left for a later reconcile rather
// than retried again here.
func (e *Engine) retryConflicts(ctx context.Context, ops []outbox.Op, conflicts []int) error {
	if err := e.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile before retry: %w", err)
	}

	for _, idx := range conflicts {
		if idx < 0 || idx >= len(ops) {
			continue
		}
		if err := e.retryOne(ctx, ops[idx]); err != nil {
			log.Warn().Err(err).Str("table", ops[idx].Table).Str("entity_id", ops[idx].EntityID).
				Msg("conflict retry failed, deferring to a later reconcile")
		}
	}
	return nil
}

func (e *Engine) retryOne(ctx context.Context, op outbox.Op) error {
	row, ok, err := store.Get(ctx, e.Store.DB(), op.Table, op.EntityID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // deleted out from under us during reconcile; nothing left to retry
	}

	ev := remoteclient.PushEvent{Table: op.Table, EntityID: op.EntityID, Kind: string(op.Kind), Timestamp: op.CreatedAt, ExpectVer: row.Version}
	switch op.Kind {
	case outbox.OpIncrement:
		ev.Field = op.Field
		raw, err := json.Marshal(op.Delta())
		if err != nil {
			return err
		}
		ev.Value = raw
	case outbox.OpSet:
		if op.Field != "" {
			ev.Field = op.Field
			raw, err := json.Marshal(row.Data[op.Field])
			if err != nil {
				return err
			}
			ev.Value = raw
		} else {
			raw, err := json.Marshal(row.Data)
			if err != nil {
				return err
			}
			ev.Value = raw
		}
	default:
		return nil
	}

	resp, err := e.Remote.Push(ctx, remoteclient.PushRequest{DeviceID: e.DeviceID, Events: []remoteclient.PushEvent{ev}})
	if err != nil {
		return err
	}
	if len(resp.Conflicts) > 0 {
		return fmt.Errorf("remote rejected retry again")
	}

	// The push succeeded against row.Version; the remote has now advanced to
	// row.Version+1, same as it would have for any ordinary successful push.
	row.Version++
	return e.Store.Tx(ctx, func(tx *sql.Tx) error {
		return store.Put(ctx, tx, op.Table, row)
	})
}

func (e *Engine) pushWithBackoff(ctx context.Context, req remoteclient.PushRequest) (remoteclient.PushResponse, error) {
	var resp remoteclient.PushResponse
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries)
	op := func() error {
		r, err := e.Remote.Push(ctx, req)
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	return resp, err
}

func isTransient(err error) bool {
	return syncerr.IsRetryable(err) || err == remoteclient.ErrServer
}

// retryAll bumps retries for ops that haven't exhausted their budget, and
// drops (acks away) any op whose retries now exceed maxRetries -- a stuck
// op must not be retried forever (§4.4). It returns the tables of dropped
// ops so the caller can report the loss to C9.
func (e *Engine) retryAll(ctx context.Context, ops []outbox.Op) ([]string, error) {
	var dropped []string
	var droppedSeqs []int64
	err := e.Store.Tx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			retries := op.Retries + 1
			if retries > maxRetries {
				dropped = append(dropped, op.Table)
				droppedSeqs = append(droppedSeqs, op.Seq)
				continue
			}
			wait := time.Duration(1<<uint(retries-1)) * time.Second
			if err := outbox.MarkRetry(ctx, tx, op.Seq, retries, time.Now().Add(wait)); err != nil {
				return err
			}
		}
		if len(droppedSeqs) > 0 {
			if err := outbox.Ack(ctx, tx, droppedSeqs); err != nil {
				return err
			}
		}
		return nil
	})
	return dedupStrings(dropped), err
}

func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) reportError(err error, details string) {
	e.setStatus(syncstatus.StateError)
	if e.Status != nil {
		e.Status.SetError(err, details)
	}
}

func (e *Engine) reportDropped(tables []string) {
	msg := fmt.Sprintf("gave up on %s after %d retries", strings.Join(tables, ", "), maxRetries)
	log.Warn().Strs("tables", tables).Msg("dropping outbox op past max retries")
	if e.Status != nil {
		e.Status.SetError(fmt.Errorf("dropped pending changes"), msg)
	}
}

func (e *Engine) publishTables(kind enginebus.Kind, tables map[string]bool) {
	if e.Bus == nil {
		return
	}
	for t := range tables {
		e.Bus.Publish(enginebus.Event{Kind: kind, Table: t})
	}
}

// Reconcile pulls and applies all remote pages since the last cursor. If
// Net is set and reports offline, Reconcile returns ErrOffline without
// touching the cursor.
func (e *Engine) Reconcile(ctx context.Context) error {
	if e.Net != nil && !e.Net.Online() {
		e.setStatus(syncstatus.StateOffline)
		return ErrOffline
	}
	if !e.pulling.CompareAndSwap(false, true) {
		return nil
	}
	defer e.pulling.Store(false)

	e.setStatus(syncstatus.StateSyncing)

	cursor, err := e.loadCursor(ctx)
	if err != nil {
		e.reportError(err, "reconcile: load cursor")
		return err
	}

	touched := map[string]bool{}
	for {
		page, err := e.Remote.Pull(ctx, cursor, pullPage)
		if err != nil {
			e.reportError(err, "pull")
			return fmt.Errorf("syncengine: pull: %w", err)
		}

		if err := e.applyPage(ctx, page.Events, touched); err != nil {
			e.reportError(err, "apply page")
			return fmt.Errorf("syncengine: apply page: %w", err)
		}
		if len(page.Events) > 0 {
			cursor = page.Events[len(page.Events)-1].Cursor
			if err := e.saveCursor(ctx, cursor); err != nil {
				e.reportError(err, "save cursor")
				return err
			}
		}
		if !page.HasMore {
			break
		}
	}

	if e.Status != nil {
		e.Status.SetLastSyncTime(time.Now())
		e.Status.SetError(nil, "")
	}
	e.publishTables(enginebus.KindPostPull, touched)
	e.setStatus(syncstatus.StateIdle)
	return nil
}

func (e *Engine) applyPage(ctx context.Context, events []remoteclient.PullEvent, touched map[string]bool) error {
	return e.Store.Tx(ctx, func(tx *sql.Tx) error {
		for _, ev := range events {
			if ev.DeviceID == e.DeviceID {
				continue // never apply our own echoed writes
			}
			if err := e.applyOne(ctx, tx, ev); err != nil {
				return fmt.Errorf("apply %s/%s: %w", ev.Table, ev.EntityID, err)
			}
			touched[ev.Table] = true
		}
		return nil
	})
}

func (e *Engine) applyOne(ctx context.Context, tx *sql.Tx, ev remoteclient.PullEvent) error {
	existing, ok, err := store.Get(ctx, tx, ev.Table, ev.EntityID)
	if err != nil {
		return err
	}

	var remoteData map[string]any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &remoteData); err != nil {
			return fmt.Errorf("unmarshal remote data: %w", err)
		}
	}

	if !ok {
		return store.Put(ctx, tx, ev.Table, store.Row{
			ID: ev.EntityID, UpdatedAt: ev.UpdatedAt, CreatedAt: ev.UpdatedAt,
			Deleted: ev.Deleted, Version: ev.Version, DeviceID: ev.DeviceID, Data: remoteData,
		})
	}

	pending, err := outbox.Pending(ctx, tx, time.Now(), 10000)
	if err != nil {
		return err
	}
	shielded := map[string]bool{}
	for _, op := range pending {
		if op.Table == ev.Table && op.EntityID == ev.EntityID {
			switch {
			case op.Kind == outbox.OpIncrement || (op.Kind == outbox.OpSet && op.Field != ""):
				shielded[op.Field] = true
			case op.Kind == outbox.OpSet:
				for f := range op.Fields() {
					shielded[f] = true
				}
			}
		}
	}

	// Only shielded fields represent an actual local intent; every other
	// field in the row is whatever local last inherited (from create or a
	// prior merge), so it's presented to the resolver as remote-only --
	// letting tier 2's field disjointness take the newer remote value
	// directly instead of comparing the row's single timestamp against a
	// field it never touched.
	localData := map[string]any{}
	for f := range shielded {
		if v, ok := existing.Data[f]; ok {
			localData[f] = v
		}
	}

	res := resolver.Resolve(
		resolver.Version{Data: localData, UpdatedAt: existing.UpdatedAt, DeviceID: existing.DeviceID, Deleted: existing.Deleted, HasPendingOp: shielded},
		resolver.Version{Data: remoteData, UpdatedAt: ev.UpdatedAt, DeviceID: ev.DeviceID, Deleted: ev.Deleted},
	)
	if res.NoConflict {
		return nil
	}

	if res.Deleted {
		return store.MarkDeleted(ctx, tx, ev.Table, ev.EntityID, ev.UpdatedAt, ev.Version, ev.DeviceID)
	}
	// The local row's version tracks the remote's version exactly after a
	// merge (not existing.Version+1): a shielded field preserved here is
	// still only a local intent, not yet reflected on the remote, so the
	// next push for it must still present the remote's real current
	// version as its CAS expectation.
	return store.Put(ctx, tx, ev.Table, store.Row{
		ID: ev.EntityID, UserID: existing.UserID, CreatedAt: existing.CreatedAt, UpdatedAt: ev.UpdatedAt,
		Deleted: false, Version: ev.Version, DeviceID: ev.DeviceID, Data: res.Merged,
	})
}

func (e *Engine) loadCursor(ctx context.Context) (string, error) {
	var cursor sql.NullString
	err := e.Store.DB().QueryRowContext(ctx, `SELECT last_pulled_cursor FROM sync_state WHERE id = 1`).Scan(&cursor)
	if err != nil {
		return "", fmt.Errorf("syncengine: load cursor: %w", err)
	}
	return cursor.String, nil
}

func (e *Engine) saveCursor(ctx context.Context, cursor string) error {
	_, err := e.Store.DB().ExecContext(ctx, `UPDATE sync_state SET last_pulled_cursor = ? WHERE id = 1`, cursor)
	if err != nil {
		return fmt.Errorf("syncengine: save cursor: %w", err)
	}
	return nil
}

func (e *Engine) setStatus(s syncstatus.State) {
	if e.Status != nil {
		e.Status.Set(s)
	}
}
