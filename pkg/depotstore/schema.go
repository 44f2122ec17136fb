package depotstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the depot schema in-place.
//
// v1: depots, depot_files, depot_history
// v2: depots.last_manifest_id tracks the last manifest whose files were diffed
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS depots (
			depot_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			-- manifest_id and build_id describe the last publish event recorded as current.
			manifest_id INTEGER NOT NULL DEFAULT 0,
			build_id INTEGER NOT NULL DEFAULT 0,
			last_manifest_id INTEGER NOT NULL DEFAULT 0,
			last_updated TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS depot_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			depot_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			flags INTEGER NOT NULL,
			UNIQUE(depot_id, path)
		);`,

		// Append-only. Rows are never updated or deleted.
		`CREATE TABLE IF NOT EXISTS depot_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			change_id INTEGER NOT NULL,
			depot_id INTEGER NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			old_value INTEGER NOT NULL,
			new_value INTEGER NOT NULL,
			time TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_depot_history_depot ON depot_history(depot_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_depot_history_change ON depot_history(change_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: v1 databases lack last_manifest_id.
	if current > 0 && current < 2 {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE depots ADD COLUMN last_manifest_id INTEGER NOT NULL DEFAULT 0;`); err != nil {
			msg := err.Error()
			if !strings.Contains(msg, "duplicate column name") && !strings.Contains(msg, "already exists") {
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Version returns the schema version recorded in the database.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
