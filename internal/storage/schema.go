package storage

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema brings the database up to currentSchemaVersion.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the single-row prefs table.
func (s *SQLiteStore) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	// id is pinned to 1 so the table can only ever hold one record.
	const prefsTable = `
		CREATE TABLE IF NOT EXISTS prefs (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			is_paired INTEGER NOT NULL DEFAULT 0,
			has_permission INTEGER NOT NULL DEFAULT 0,
			last_status TEXT NOT NULL DEFAULT 'Not run yet',
			last_port INTEGER NOT NULL DEFAULT -1,
			updated_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(prefsTable); err != nil {
		return fmt.Errorf("create prefs table: %w", err)
	}

	if _, err := s.db.Exec(
		"INSERT OR IGNORE INTO prefs (id, updated_at) VALUES (1, ?)",
		s.timestamp(),
	); err != nil {
		return fmt.Errorf("seed prefs: %w", err)
	}

	return s.recordMigration(1)
}

// migrateToV2 adds run_history, one row per pairing, switch, grant or
// self-test outcome.
func (s *SQLiteStore) migrateToV2() error {
	log.Printf("storage: applying migration to schema version 2")

	const historyTable = `
		CREATE TABLE IF NOT EXISTS run_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			port INTEGER NOT NULL DEFAULT -1,
			status TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_run_history_recorded_at ON run_history(recorded_at);
	`

	if _, err := s.db.Exec(historyTable); err != nil {
		return fmt.Errorf("create run_history table: %w", err)
	}

	return s.recordMigration(2)
}

func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}
