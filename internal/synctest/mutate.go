package synctest

import (
	"context"
	"database/sql"
	"time"

	"github.com/prabhask5/goal-planner/internal/outbox"
	"github.com/prabhask5/goal-planner/internal/store"
)

type sqlTx = sql.Tx

func outboxCreate(ctx context.Context, tx *sqlTx, table, userID, id string, data map[string]any, now time.Time, deviceID string) error {
	row := store.Row{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now, Version: 1, DeviceID: deviceID, Data: data}
	return outbox.CreateOp(ctx, tx, table, row, now)
}

func outboxSetField(ctx context.Context, tx *sqlTx, table, id, field string, value any, now time.Time, deviceID string) error {
	existing, ok, err := store.Get(ctx, tx, table, id)
	if err != nil {
		return err
	}
	version := int64(1)
	if ok {
		version = existing.Version + 1
	}
	return outbox.SetFieldOp(ctx, tx, table, id, field, value, now, version, deviceID)
}

func outboxIncrement(ctx context.Context, tx *sqlTx, table, id, field string, delta float64, now time.Time, deviceID string) error {
	existing, ok, err := store.Get(ctx, tx, table, id)
	if err != nil {
		return err
	}
	version := int64(1)
	if ok {
		version = existing.Version + 1
	}
	return outbox.IncrementOp(ctx, tx, table, id, field, delta, now, version, deviceID)
}

func outboxDelete(ctx context.Context, tx *sqlTx, table, id string, now time.Time, deviceID string) error {
	existing, ok, err := store.Get(ctx, tx, table, id)
	if err != nil {
		return err
	}
	version := int64(1)
	if ok {
		version = existing.Version + 1
	}
	return outbox.DeleteOp(ctx, tx, table, id, now, version, deviceID)
}
