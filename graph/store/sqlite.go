package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It stores run checkpoints in a single-file database.
// Designed for:
//   - Development and single-host deployments with zero setup
//   - Runs that must survive a process restart
//   - Local tooling (the CLI defaults to it)
//
// SQLiteStore uses WAL mode for concurrent reads. Save runs in a transaction
// that updates the runs table with a version guard and appends to run_history,
// so a conflicting save leaves no trace.
//
// Schema:
//   - runs: latest checkpoint per run, keyed by run_id
//   - run_history: every saved version, keyed by (run_id, version)
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./runs.db" - file in current directory
//   - "/var/lib/interruptgraph/runs.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the database file and tables, enables WAL
// mode and configures a busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./runs.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:   db,
		path: path,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT NOT NULL PRIMARY KEY,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			cursor_step TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, updated_at)"); err != nil {
		return fmt.Errorf("failed to create idx_runs_status: %w", err)
	}

	historyTable := `
		CREATE TABLE IF NOT EXISTS run_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			cursor_step TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(run_id, version)
		)
	`
	if _, err := s.db.ExecContext(ctx, historyTable); err != nil {
		return fmt.Errorf("failed to create run_history table: %w", err)
	}

	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Load retrieves the latest checkpoint for a run.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}

	query := `SELECT run_id, version, status, cursor_step, data, updated_at FROM runs WHERE run_id = ?`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load run: %w", err)
	}
	return rec, nil
}

// Save writes rec when the stored version equals rec.Version.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}

	stored := copyRecord(rec)
	stored.Version = rec.Version + 1
	stored.UpdatedAt = time.Now().UTC()
	nanos := stored.UpdatedAt.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if rec.Version == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, version, status, cursor_step, data, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO NOTHING
		`, stored.RunID, stored.Version, stored.Status, stored.Cursor, string(stored.Data), nanos)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE runs SET version = ?, status = ?, cursor_step = ?, data = ?, updated_at = ?
			WHERE run_id = ? AND version = ?
		`, stored.Version, stored.Status, stored.Cursor, string(stored.Data), nanos, stored.RunID, rec.Version)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to save run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return Record{}, ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_history (run_id, version, status, cursor_step, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, stored.RunID, stored.Version, stored.Status, stored.Cursor, string(stored.Data), nanos); err != nil {
		return Record{}, fmt.Errorf("failed to append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("failed to commit save: %w", err)
	}

	// Re-read the timestamp at the stored precision.
	stored.UpdatedAt = time.Unix(0, nanos).UTC()
	return stored, nil
}

// History returns every saved version of a run, oldest first.
func (s *SQLiteStore) History(ctx context.Context, runID string) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, version, status, cursor_step, data, updated_at
		FROM run_history
		WHERE run_id = ?
		ORDER BY version ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs, nil
}

// List returns the latest checkpoint of each matching run.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT run_id, version, status, cursor_step, data, updated_at FROM runs`
	var args []any
	if q.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, q.Status)
	}
	query += ` ORDER BY updated_at DESC, run_id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return scanRecords(rows)
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec   Record
		data  string
		nanos int64
	)
	if err := row.Scan(&rec.RunID, &rec.Version, &rec.Status, &rec.Cursor, &data, &nanos); err != nil {
		return Record{}, err
	}
	rec.Data = []byte(data)
	rec.UpdatedAt = time.Unix(0, nanos).UTC()
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}
