package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register sqlite driver
)

func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// migrations are applied in order; user_version records how many ran.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS segments (
		path       TEXT PRIMARY KEY,
		session    TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		closed_at  INTEGER,
		entries    INTEGER NOT NULL DEFAULT 0,
		status     TEXT NOT NULL,
		error_text TEXT
	);
	CREATE INDEX IF NOT EXISTS segments_started_at ON segments(started_at);`,
	`CREATE TABLE IF NOT EXISTS commands (
		session          TEXT NOT NULL,
		id               INTEGER NOT NULL,
		connection_id    INTEGER NOT NULL,
		target_system    INTEGER NOT NULL,
		target_component INTEGER NOT NULL,
		kind             INTEGER NOT NULL,
		kind_name        TEXT NOT NULL,
		payload_json     TEXT,
		sent_at          INTEGER NOT NULL,
		timeout_ms       INTEGER NOT NULL,
		status           TEXT NOT NULL,
		outcome          TEXT,
		superseded       INTEGER NOT NULL DEFAULT 0,
		error_text       TEXT,
		reply_raw        BLOB,
		resolved_at      INTEGER,
		PRIMARY KEY (session, id)
	);
	CREATE INDEX IF NOT EXISTS commands_sent_at ON commands(sent_at);`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
