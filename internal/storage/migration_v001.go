package storage

import "database/sql"

// migrateV001 creates the initial killfeed schema. Every statement uses
// IF NOT EXISTS for idempotency.
func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		// ── Tables ──────────────────────────────────────────────

		// Single-row table; id is pinned to 1.
		`CREATE TABLE IF NOT EXISTS watermark (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			ts         INTEGER NOT NULL,
			kill_id    INTEGER NOT NULL DEFAULT 0,
			uid        TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS announcements (
			id           TEXT PRIMARY KEY,
			kill_id      INTEGER NOT NULL,
			uid          TEXT NOT NULL DEFAULT '',
			kill_ts      DATETIME NOT NULL,
			victim       TEXT NOT NULL DEFAULT '',
			corporation  TEXT NOT NULL DEFAULT '',
			robot        TEXT NOT NULL DEFAULT '',
			zone         TEXT NOT NULL DEFAULT '',
			attackers    INTEGER NOT NULL DEFAULT 0,
			fields       INTEGER NOT NULL DEFAULT 0,
			omitted      INTEGER NOT NULL DEFAULT 0,
			payload      TEXT NOT NULL DEFAULT '',
			cycle_id     TEXT NOT NULL DEFAULT '',
			announced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS deliveries (
			id              TEXT PRIMARY KEY,
			announcement_id TEXT NOT NULL REFERENCES announcements(id) ON DELETE CASCADE,
			channel         TEXT NOT NULL,
			sent            INTEGER NOT NULL DEFAULT 0,
			error           TEXT NOT NULL DEFAULT '',
			duration_ms     INTEGER NOT NULL DEFAULT 0,
			delivered_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// ── Indexes ────────────────────────────────────────────

		`CREATE INDEX IF NOT EXISTS idx_announcements_kill_id      ON announcements(kill_id)`,
		`CREATE INDEX IF NOT EXISTS idx_announcements_announced_at ON announcements(announced_at)`,
		`CREATE INDEX IF NOT EXISTS idx_announcements_zone         ON announcements(zone)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_announcement    ON deliveries(announcement_id)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
