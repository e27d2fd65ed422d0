// Package state keeps an SQLite audit log of marathon runs and session
// attempts in the project-local database (.marathon/history.db).
//
// The log is informational. Progress is always derived from the task list,
// never from this database, so a lost or deleted history changes nothing
// about how a run resumes.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the history database. Writes are serialized; reads may run
// alongside each other.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// ProjectDBPath returns where a project keeps its history.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".marathon", "history.db")
}

// dsn enables foreign keys and a busy timeout on every pooled connection.
func dsn(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Open opens the database at path, creating its directory. The journal is
// switched to WAL so `marathon status` can read while a run writes.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// OpenProject opens the project's history and brings its schema up to date.
func OpenProject(projectRoot string) (*DB, error) {
	db, err := Open(ProjectDBPath(projectRoot))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

type migration struct {
	version int
	name    string
	ddl     string
}

var migrations = []migration{
	{1, "runs", migrationV1Runs},
	{2, "attempts", migrationV2Attempts},
}

// Migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version > current {
			if err := db.apply(m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (db *DB) apply(m migration) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.Exec(m.ddl); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

const migrationV1Runs = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	project_dir TEXT NOT NULL,
	backend TEXT NOT NULL,
	planning_model TEXT NOT NULL,
	coding_model TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	outcome TEXT NOT NULL DEFAULT 'running',
	sessions INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

const migrationV2Attempts = `
CREATE TABLE IF NOT EXISTS attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	session_index INTEGER NOT NULL,
	attempt INTEGER NOT NULL,
	kind TEXT NOT NULL,
	model TEXT NOT NULL,
	continued INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	exit_code INTEGER NOT NULL DEFAULT 0,
	wait_seconds INTEGER NOT NULL DEFAULT 0,
	wait_confidence TEXT,
	passing_before INTEGER NOT NULL DEFAULT 0,
	total_before INTEGER NOT NULL DEFAULT 0,
	passing_after INTEGER NOT NULL DEFAULT 0,
	total_after INTEGER NOT NULL DEFAULT 0,
	detail TEXT,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_attempts_started_at ON attempts(started_at);
`

// Exec runs a statement under the write lock.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query runs a read under the read lock.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow runs a single-row read under the read lock.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Timestamps are stored as UTC RFC 3339 text.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// parseNullableTime returns nil for NULL or unparsable values.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	if t, err := parseTime(s.String); err == nil {
		return &t
	}
	return nil
}

// PurgeOldRuns deletes runs, and their attempts, started before the cutoff.
// Returns the number of runs deleted.
func (db *DB) PurgeOldRuns(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
