package statedb

import (
	"fmt"
	"strconv"
)

// migrations are applied in order; index+1 is the schema version each one
// produces. Append only.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS job_runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id    TEXT NOT NULL,
		job         TEXT NOT NULL,
		started_at  INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0,
		outcome     TEXT NOT NULL,
		decision    TEXT NOT NULL DEFAULT '',
		final_state TEXT NOT NULL DEFAULT '',
		detail      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_job_runs_agent ON job_runs (agent_id, started_at);
	CREATE TABLE IF NOT EXISTS restarts (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		reason   TEXT NOT NULL,
		source   TEXT NOT NULL DEFAULT '',
		at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_restarts_agent ON restarts (agent_id, at);
	`,
}

// SchemaVersion is the version produced by the last migration.
var SchemaVersion = len(migrations)

// Migrate applies any migrations newer than the stored schema version.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	current := 0
	var raw string
	if err := tx.QueryRow(`SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&raw); err == nil {
		current, _ = strconv.Atoi(raw)
	}
	if current > len(migrations) {
		return fmt.Errorf("statedb: schema version %d is newer than this binary (%d)", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		if _, err := tx.Exec(migrations[v]); err != nil {
			return fmt.Errorf("statedb: migration %d: %w", v+1, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(len(migrations)),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}
