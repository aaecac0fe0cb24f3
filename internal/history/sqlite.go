package history

import (
	"database/sql"
	"fmt"
	"time"

	"backrun/internal/core"
	"backrun/internal/history/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements core.HistoryStore on SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and migrates) the history database at path.
// path can be a file path or ":memory:".
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with appropriate
// PRAGMAs. Exported for tools and tests that need a configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// The daemon and a concurrent CLI invocation may both hold the file.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

var _ core.HistoryStore = (*SQLiteStore)(nil)

func (s *SQLiteStore) CreateRun(id, initiator string, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, initiator, started_at, status) VALUES (?, ?, ?, 'running')`,
		id, initiator, startedAt,
	)
	if err != nil {
		return fmt.Errorf("creating run record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(id string, finishedAt time.Time, status string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		finishedAt, status, id,
	)
	if err != nil {
		return fmt.Errorf("finishing run record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) RecordAdapterResult(runID string, r core.AdapterResult) error {
	errText := ""
	if r.Err != nil {
		errText = r.Err.Error()
	}
	_, err := s.db.Exec(
		`INSERT INTO adapter_results (run_id, adapter_id, kind, error, duration_ms, bytes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, r.AdapterID, r.Kind, errText, r.Duration.Milliseconds(), r.Bytes,
	)
	if err != nil {
		return fmt.Errorf("recording adapter result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(limit int) ([]*core.RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, initiator, started_at, finished_at, status
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*core.RunRecord
	for rows.Next() {
		var r core.RunRecord
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Initiator, &r.StartedAt, &finished, &r.Status); err != nil {
			return nil, fmt.Errorf("scanning run record: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListAdapterResults(runID string) ([]*core.AdapterRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, adapter_id, kind, error, duration_ms, bytes
		 FROM adapter_results WHERE run_id = ? ORDER BY adapter_id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing adapter results: %w", err)
	}
	defer rows.Close()

	var out []*core.AdapterRecord
	for rows.Next() {
		var r core.AdapterRecord
		var durationMS int64
		if err := rows.Scan(&r.RunID, &r.AdapterID, &r.Kind, &r.Error, &durationMS, &r.Bytes); err != nil {
			return nil, fmt.Errorf("scanning adapter result: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing adapter results: %w", err)
	}
	return out, nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
