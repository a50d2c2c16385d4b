package store

import (
	"context"
	"database/sql"
	"fmt"
)

func ensureEntityTable(ctx context.Context, db *sql.DB, table string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		device_id TEXT,
		data TEXT NOT NULL DEFAULT '{}',
		sort_key TEXT GENERATED ALWAYS AS (json_extract(data, '$.date')) VIRTUAL
	)`, table)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	for _, idx := range []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user_id ON %s(user_id)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s(updated_at)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_sort_key ON %s(sort_key)`, table, table),
	} {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index on %s: %w", table, err)
		}
	}
	return nil
}

// ensureSupportTables creates the sync_queue (outbox) and conflict_history
// tables, which ride alongside entity tables but are not entity-shaped
// themselves.
func ensureSupportTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			"table" TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			field TEXT,
			value TEXT,
			base_version INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue("table", entity_id)`,
		`CREATE TABLE IF NOT EXISTS conflict_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			"table" TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			field TEXT,
			local_value TEXT,
			remote_value TEXT,
			resolution TEXT NOT NULL,
			resolved_device_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflict_history_created_at ON conflict_history(created_at)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_pulled_cursor TEXT,
			last_pushed_seq INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO sync_state (id, last_pulled_cursor, last_pushed_seq) VALUES (1, NULL, 0)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("support schema: %w", err)
		}
	}
	return nil
}
