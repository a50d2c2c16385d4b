// Package outbox is the write-ahead operation log (C4): every local
// mutation is recorded here, in the same transaction as the entity write,
// before it is ever considered for push.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prabhask5/goal-planner/internal/store"
	"github.com/prabhask5/goal-planner/internal/telemetry"
)

var log = telemetry.Component("outbox")

// activeScheduler, when set via UseScheduler, is kicked after every
// successful enqueue. There is no per-call-site way to thread a Scheduler
// through CreateOp/SetFieldOp/etc. (they're called from wherever a
// mutation happens, not from one engine-owned chokepoint), so the engine
// registers itself here once at startup instead.
var activeScheduler *Scheduler

// UseScheduler registers s to be kicked after every successful outbox
// write, debouncing a push shortly after the queue stops growing (C4).
// Passing nil disables the hook.
func UseScheduler(s *Scheduler) {
	activeScheduler = s
}

// Kind is the tagged-union discriminant for an outbox operation, replacing
// a bag of nullable fields with a real sum type.
type Kind string

const (
	OpCreate    Kind = "create"
	OpDelete    Kind = "delete"
	OpSet       Kind = "set"
	OpIncrement Kind = "increment"
)

// Op is one write-ahead-log entry. Field is set only for a single-field
// OpSet and for OpIncrement; Value carries the set value, the increment
// delta, a multi-field set's patch, or an OpCreate's initial payload. The
// accessors below enforce the kind they decode.
type Op struct {
	Seq           int64
	Table         string
	EntityID      string
	Kind          Kind
	Field         string
	Value         json.RawMessage
	BaseVersion   int64 // entity version as last known before this op, used as the remote CAS expectation
	CreatedAt     time.Time
	Retries       int
	NextAttemptAt *time.Time
}

// Fields decodes a multi-field OpSet's Value as a field->value map. It
// panics if called on any other Kind -- a programmer error, never a
// runtime condition reachable from production data.
func (o Op) Fields() map[string]any {
	if o.Kind != OpSet {
		panic("outbox: Fields() called on non-set op")
	}
	var m map[string]any
	if err := json.Unmarshal(o.Value, &m); err != nil {
		panic(fmt.Sprintf("outbox: corrupt set payload: %v", err))
	}
	return m
}

// Delta decodes an OpIncrement's signed delta. Panics on misuse, same
// rationale as Fields.
func (o Op) Delta() float64 {
	if o.Kind != OpIncrement {
		panic("outbox: Delta() called on non-increment op")
	}
	var d float64
	if err := json.Unmarshal(o.Value, &d); err != nil {
		panic(fmt.Sprintf("outbox: corrupt increment payload: %v", err))
	}
	return d
}

func enqueue(ctx context.Context, tx *sql.Tx, table, entityID string, kind Kind, field string, value json.RawMessage, baseVersion int64, now time.Time) error {
	stmt := `INSERT INTO sync_queue ("table", entity_id, kind, field, value, base_version, created_at, retries) VALUES (?, ?, ?, ?, ?, ?, ?, 0)`
	var v any
	if value != nil {
		v = string(value)
	}
	_, err := tx.ExecContext(ctx, stmt, table, entityID, string(kind), nullIfEmpty(field), v, baseVersion, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("outbox: enqueue %s/%s: %w", table, entityID, err)
	}
	if activeScheduler != nil {
		activeScheduler.Kick()
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateOp performs the entity create and its outbox entry atomically. The
// logged op's Value is the full initial row payload (minus envelope
// fields) -- a create that only ever sets fields at creation time still
// has something to push.
func CreateOp(ctx context.Context, tx *sql.Tx, table string, row store.Row, now time.Time) error {
	if err := store.Put(ctx, tx, table, row); err != nil {
		return err
	}
	raw, err := json.Marshal(row.Data)
	if err != nil {
		return fmt.Errorf("outbox: marshal initial payload for %s/%s: %w", table, row.ID, err)
	}
	return enqueue(ctx, tx, table, row.ID, OpCreate, "", raw, 0, now)
}

// DeleteOp soft-deletes the entity and logs the deletion atomically.
// version is the new envelope version after deletion; the version the
// entity had beforehand (version-1) becomes the remote CAS expectation.
func DeleteOp(ctx context.Context, tx *sql.Tx, table, id string, now time.Time, version int64, deviceID string) error {
	if err := store.MarkDeleted(ctx, tx, table, id, now, version, deviceID); err != nil {
		return err
	}
	return enqueue(ctx, tx, table, id, OpDelete, "", nil, version-1, now)
}

// SetFieldOp patches a single field and logs it atomically. version is the
// new envelope version; version-1 is recorded as the remote CAS expectation.
func SetFieldOp(ctx context.Context, tx *sql.Tx, table, id, field string, value any, now time.Time, version int64, deviceID string) error {
	if err := store.SetFields(ctx, tx, tx, table, id, map[string]any{field: value}, now, version, deviceID); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("outbox: marshal value for %s/%s.%s: %w", table, id, field, err)
	}
	return enqueue(ctx, tx, table, id, OpSet, field, raw, version-1, now)
}

// SetManyOp patches multiple fields in one call and logs a single
// multi-field set op.
func SetManyOp(ctx context.Context, tx *sql.Tx, table, id string, patch map[string]any, now time.Time, version int64, deviceID string) error {
	if err := store.SetFields(ctx, tx, tx, table, id, patch, now, version, deviceID); err != nil {
		return err
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("outbox: marshal patch for %s/%s: %w", table, id, err)
	}
	return enqueue(ctx, tx, table, id, OpSet, "", raw, version-1, now)
}

// IncrementOp applies a signed delta to a numeric field and logs it.
func IncrementOp(ctx context.Context, tx *sql.Tx, table, id, field string, delta float64, now time.Time, version int64, deviceID string) error {
	existing, ok, err := store.Get(ctx, tx, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("outbox: increment %s/%s: %w", table, id, store.ErrNotFound)
	}
	var cur float64
	if v, ok := existing.Data[field]; ok {
		switch n := v.(type) {
		case float64:
			cur = n
		}
	}
	if err := store.SetFields(ctx, tx, tx, table, id, map[string]any{field: cur + delta}, now, version, deviceID); err != nil {
		return err
	}
	raw, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("outbox: marshal delta for %s/%s.%s: %w", table, id, field, err)
	}
	return enqueue(ctx, tx, table, id, OpIncrement, field, raw, version-1, now)
}

// Pending returns queued ops whose NextAttemptAt has elapsed (or is unset),
// ordered by seq ascending, capped at limit.
func Pending(ctx context.Context, q store.Queryer, now time.Time, limit int) ([]Op, error) {
	stmt := `SELECT seq, "table", entity_id, kind, field, value, base_version, created_at, retries, next_attempt_at
		FROM sync_queue
		WHERE next_attempt_at IS NULL OR next_attempt_at <= ?
		ORDER BY seq ASC LIMIT ?`
	rows, err := q.QueryContext(ctx, stmt, now.Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: pending: %w", err)
	}
	defer rows.Close()

	var out []Op
	for rows.Next() {
		var o Op
		var field, value, nextAttempt sql.NullString
		var createdAt string
		if err := rows.Scan(&o.Seq, &o.Table, &o.EntityID, &o.Kind, &field, &value, &o.BaseVersion, &createdAt, &o.Retries, &nextAttempt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		o.Field = field.String
		if value.Valid {
			o.Value = json.RawMessage(value.String)
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("outbox: parse created_at: %w", err)
		}
		o.CreatedAt = t
		if nextAttempt.Valid {
			nt, err := time.Parse(time.RFC3339Nano, nextAttempt.String)
			if err != nil {
				return nil, fmt.Errorf("outbox: parse next_attempt_at: %w", err)
			}
			o.NextAttemptAt = &nt
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Ack removes successfully pushed ops from the queue.
func Ack(ctx context.Context, x store.Execer, seqs []int64) error {
	for _, seq := range seqs {
		if _, err := x.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("outbox: ack seq %d: %w", seq, err)
		}
	}
	return nil
}

// MarkRetry bumps retries and schedules the next attempt using the
// caller-supplied backoff.
func MarkRetry(ctx context.Context, x store.Execer, seq int64, retries int, nextAttempt time.Time) error {
	_, err := x.ExecContext(ctx, `UPDATE sync_queue SET retries = ?, next_attempt_at = ? WHERE seq = ?`,
		retries, nextAttempt.Format(time.RFC3339Nano), seq)
	if err != nil {
		return fmt.Errorf("outbox: mark retry seq %d: %w", seq, err)
	}
	return nil
}

// Count returns the number of queued, unacknowledged ops.
func Count(ctx context.Context, q store.Queryer) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: count: %w", err)
	}
	return n, nil
}
