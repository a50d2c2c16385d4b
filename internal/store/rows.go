package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prabhask5/goal-planner/internal/entity"
)

const timeLayout = time.RFC3339Nano

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("store: not found")

func validateTable(table string) error {
	if !entity.IsKnown(table) {
		return fmt.Errorf("store: unknown table %q", table)
	}
	return nil
}

// Get reads one row by id. ok is false if no such row exists.
func Get(ctx context.Context, q Queryer, table, id string) (Row, bool, error) {
	if err := validateTable(table); err != nil {
		return Row{}, false, err
	}
	stmt := fmt.Sprintf(`SELECT id, user_id, created_at, updated_at, deleted, version, device_id, data FROM %s WHERE id = ?`, table)
	row := q.QueryRowContext(ctx, stmt, id)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("store: get %s/%s: %w", table, id, err)
	}
	return r, true, nil
}

// Put inserts or replaces a row wholesale.
func Put(ctx context.Context, x Execer, table string, r Row) error {
	if err := validateTable(table); err != nil {
		return err
	}
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("store: marshal data: %w", err)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, user_id, created_at, updated_at, deleted, version, device_id, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, created_at=excluded.created_at, updated_at=excluded.updated_at,
			deleted=excluded.deleted, version=excluded.version, device_id=excluded.device_id, data=excluded.data`, table)
	_, err = x.ExecContext(ctx, stmt,
		r.ID, r.UserID, r.CreatedAt.Format(timeLayout), r.UpdatedAt.Format(timeLayout),
		boolToInt(r.Deleted), r.Version, r.DeviceID, string(data))
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", table, r.ID, err)
	}
	return nil
}

// SetFields applies a partial update of the envelope metadata plus a merge
// of the given fields into data, without touching fields not present in
// patch.
func SetFields(ctx context.Context, x Execer, q Queryer, table, id string, patch map[string]any, updatedAt time.Time, version int64, deviceID string) error {
	if err := validateTable(table); err != nil {
		return err
	}
	existing, ok, err := Get(ctx, q, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store: set fields %s/%s: %w", table, id, ErrNotFound)
	}
	if existing.Data == nil {
		existing.Data = map[string]any{}
	}
	for k, v := range patch {
		existing.Data[k] = v
	}
	existing.UpdatedAt = updatedAt
	existing.Version = version
	existing.DeviceID = deviceID
	return Put(ctx, x, table, existing)
}

// MarkDeleted soft-deletes a row (sets deleted=1, bumps version).
func MarkDeleted(ctx context.Context, x Execer, table, id string, updatedAt time.Time, version int64, deviceID string) error {
	if err := validateTable(table); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`UPDATE %s SET deleted=1, updated_at=?, version=?, device_id=? WHERE id=?`, table)
	res, err := x.ExecContext(ctx, stmt, updatedAt.Format(timeLayout), version, deviceID, id)
	if err != nil {
		return fmt.Errorf("store: mark deleted %s/%s: %w", table, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: mark deleted %s/%s: %w", table, id, ErrNotFound)
	}
	return nil
}

// QueryByUser returns a user's rows in a table (tombstoned rows only when
// includeDeleted is true), ordered
// by updated_at ascending -- the shape the reactive query layer filters
// further in memory.
func QueryByUser(ctx context.Context, q Queryer, table, userID string, includeDeleted bool) ([]Row, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`SELECT id, user_id, created_at, updated_at, deleted, version, device_id, data FROM %s WHERE user_id = ?`, table)
	if !includeDeleted {
		stmt += ` AND deleted = 0`
	}
	stmt += ` ORDER BY updated_at ASC`

	rows, err := q.QueryContext(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRows(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", table, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryUpdatedSince returns the rows of table whose updated_at is >= since.
func QueryUpdatedSince(ctx context.Context, q Queryer, table string, since time.Time) ([]Row, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`SELECT id, user_id, created_at, updated_at, deleted, version, device_id, data FROM %s WHERE updated_at >= ? ORDER BY updated_at ASC`, table)
	rows, err := q.QueryContext(ctx, stmt, since.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("store: query updated since %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRow(row *sql.Row) (Row, error)     { return scanAny(row) }
func scanRows(rows *sql.Rows) (Row, error)  { return scanAny(rows) }

func scanAny(s scannable) (Row, error) {
	var r Row
	var createdAt, updatedAt, data string
	var deletedInt int
	var deviceID sql.NullString
	if err := s.Scan(&r.ID, &r.UserID, &createdAt, &updatedAt, &deletedInt, &r.Version, &deviceID, &data); err != nil {
		return Row{}, err
	}
	var err error
	if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Row{}, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Row{}, fmt.Errorf("parse updated_at: %w", err)
	}
	r.Deleted = deletedInt != 0
	r.DeviceID = deviceID.String
	if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
		return Row{}, fmt.Errorf("unmarshal data: %w", err)
	}
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
