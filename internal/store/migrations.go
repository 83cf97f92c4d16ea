package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// migrations are applied in order; the index plus one is the schema version.
var migrations = []string{
	// v1: lookup data, artifacts, profiles, dead letters
	`
	CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		resistance  INTEGER NOT NULL CHECK (resistance BETWEEN 1 AND 10),
		complexity  INTEGER NOT NULL CHECK (complexity BETWEEN 1 AND 10),
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id                TEXT PRIMARY KEY,
		project_id        TEXT NOT NULL REFERENCES projects(id),
		title             TEXT NOT NULL,
		estimated_minutes INTEGER,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);

	CREATE TABLE IF NOT EXISTS obstacles (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL,
		user_id           TEXT NOT NULL,
		task_id           TEXT NOT NULL,
		project_id        TEXT,
		description       TEXT NOT NULL,
		emotional_state   TEXT NOT NULL,
		frustration       INTEGER NOT NULL,
		minutes_elapsed   INTEGER NOT NULL,
		seconds_remaining INTEGER NOT NULL,
		advisory_kind     TEXT NOT NULL,
		advisory          TEXT NOT NULL,
		created_at        INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_obstacles_session ON obstacles(session_id, created_at);

	CREATE TABLE IF NOT EXISTS completions (
		id                       TEXT PRIMARY KEY,
		session_id               TEXT NOT NULL UNIQUE,
		user_id                  TEXT NOT NULL,
		task_id                  TEXT NOT NULL,
		project_id               TEXT,
		task_title               TEXT NOT NULL,
		estimated_minutes        INTEGER,
		actual_minutes           INTEGER NOT NULL,
		focused_seconds          INTEGER NOT NULL,
		resistance               INTEGER NOT NULL,
		complexity               INTEGER NOT NULL,
		motivation_before        INTEGER NOT NULL,
		motivation_after         INTEGER NOT NULL,
		dopamine_rating          INTEGER NOT NULL,
		next_task_motivation     INTEGER NOT NULL,
		breakthroughs            TEXT NOT NULL DEFAULT '',
		obstacle_count           INTEGER NOT NULL DEFAULT 0,
		xp                       INTEGER NOT NULL,
		work_phases              INTEGER NOT NULL,
		initiation_delay_seconds INTEGER NOT NULL,
		completed_at             INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_completions_user ON completions(user_id, completed_at);

	CREATE TABLE IF NOT EXISTS profiles (
		user_id    TEXT PRIMARY KEY,
		xp         INTEGER NOT NULL DEFAULT 0,
		rank       TEXT NOT NULL DEFAULT '',
		sessions   INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id            TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		payload       TEXT NOT NULL,
		error         TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER,
		resolved_at   INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_unresolved ON dead_letters(next_retry_at) WHERE resolved_at IS NULL;
	`,
	// v2: per-project history lookups
	`
	CREATE INDEX IF NOT EXISTS idx_completions_project ON completions(project_id, completed_at);
	`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	current, err := s.schemaVersion()
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration v%d: %w", version, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration v%d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', ?)`, strconv.Itoa(version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", version, err)
		}
		s.logger.Debug().Int("version", version).Msg("migration applied")
	}
	return nil
}

// schemaVersion returns the applied version, zero for a fresh database.
func (s *Store) schemaVersion() (int, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q: %w", raw, err)
	}
	return v, nil
}
