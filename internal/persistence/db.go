// Package persistence keeps a local history of link traffic and
// diagnostics in sqlite, mainly for post-dive analysis of a noisy
// acoustic channel.
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
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
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

func migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS datagrams (
			local_id  INTEGER PRIMARY KEY AUTOINCREMENT,
			direction TEXT    NOT NULL,
			size      INTEGER NOT NULL,
			ok        INTEGER NOT NULL,
			at        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_datagrams_at ON datagrams(at);

		CREATE TABLE IF NOT EXISTS diagnostics (
			local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			link_up         INTEGER NOT NULL,
			packet_count    INTEGER NOT NULL,
			packet_loss     INTEGER NOT NULL,
			bit_error_rate  REAL    NOT NULL,
			role            TEXT    NOT NULL,
			channel         INTEGER NOT NULL,
			at              INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_diagnostics_at ON diagnostics(at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	return nil
}
