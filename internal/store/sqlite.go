package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339

// Store wraps the SQLite database. modernc.org/sqlite is pure Go, zero CGO.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database and runs migrations. The database
// file is created with 0600 permissions and its parent directory with 0700.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pre-create the file with restrictive permissions if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("creating database file: %w", err)
		}
		_ = f.Close()
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DefaultPath returns the database location relative to the working
// directory: <cwd>/data/remotewiz.db.
func DefaultPath() string {
	return filepath.Join("data", "remotewiz.db")
}

var migrations = []string{
	// v1: core schema. The audit_log triggers make the table physically
	// append-only: any UPDATE or DELETE aborts the enclosing statement.
	`
	CREATE TABLE tasks (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		project_path TEXT NOT NULL,
		prompt TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		adapter TEXT NOT NULL,
		continue_session INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		token_budget INTEGER,
		worker_pid INTEGER,
		worker_pid_start INTEGER,
		checkpoint TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT NOT NULL DEFAULT '',
		completed_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_tasks_project_status ON tasks(project, status);
	CREATE INDEX idx_tasks_thread ON tasks(thread_id, created_at);

	CREATE TABLE sessions (
		thread_id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		session_ref TEXT NOT NULL,
		last_used_at TEXT NOT NULL
	);

	CREATE TABLE approvals (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		action_class TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		requested_at TEXT NOT NULL,
		resolved_at TEXT NOT NULL DEFAULT '',
		resolver TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_approvals_status ON approvals(status, requested_at);

	CREATE TABLE thread_bindings (
		thread_id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		adapter TEXT NOT NULL,
		creator TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		project TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX idx_audit_task ON audit_log(task_id);
	CREATE INDEX idx_audit_project ON audit_log(project, id);

	CREATE TRIGGER audit_log_no_update
	BEFORE UPDATE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit_log is append-only');
	END;

	CREATE TRIGGER audit_log_no_delete
	BEFORE DELETE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit_log is append-only');
	END;

	CREATE TABLE uploads (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		original_name TEXT NOT NULL,
		server_path TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL DEFAULT '',
		consumed_at TEXT NOT NULL DEFAULT ''
	);
	`,
}

func (s *Store) migrate() error {
	// Ensure schema_version table exists
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Helpers ---

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
