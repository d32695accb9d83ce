package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is the server error number for a unique key violation.
const mysqlDuplicateEntry = 1062

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production deployments with several engine processes
//   - Runs that stay suspended for days and must survive restarts
//   - Audit trails (every version is kept in run_history)
//
// MySQLStore uses connection pooling and transactions. Inserts detect an
// existing run through the duplicate-key error; updates are guarded by the
// version column.
//
// Schema:
//   - runs: latest checkpoint per run
//   - run_history: every saved version
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("INTERRUPTGRAPH_STORE_DSN")
//
// The store automatically creates required tables and configures pooling.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			version BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL,
			cursor_step VARCHAR(255) NOT NULL,
			data LONGTEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			INDEX idx_runs_status (status, updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	historyTable := `
		CREATE TABLE IF NOT EXISTS run_history (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			version BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL,
			cursor_step VARCHAR(255) NOT NULL,
			data LONGTEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE KEY unique_run_version (run_id, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, historyTable); err != nil {
		return fmt.Errorf("failed to create run_history table: %w", err)
	}

	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Load retrieves the latest checkpoint for a run.
func (m *MySQLStore) Load(ctx context.Context, runID string) (Record, error) {
	if err := m.checkOpen(); err != nil {
		return Record{}, err
	}

	rec, err := scanRecord(m.db.QueryRowContext(ctx, `
		SELECT run_id, version, status, cursor_step, data, updated_at
		FROM runs WHERE run_id = ?
	`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load run: %w", err)
	}
	return rec, nil
}

// Save writes rec when the stored version equals rec.Version.
func (m *MySQLStore) Save(ctx context.Context, rec Record) (Record, error) {
	if err := m.checkOpen(); err != nil {
		return Record{}, err
	}

	stored := copyRecord(rec)
	stored.Version = rec.Version + 1
	nanos := time.Now().UTC().UnixNano()
	stored.UpdatedAt = time.Unix(0, nanos).UTC()

	err := m.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if rec.Version == 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO runs (run_id, version, status, cursor_step, data, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, stored.RunID, stored.Version, stored.Status, stored.Cursor, string(stored.Data), nanos)
			if isDuplicateEntry(err) {
				return ErrConflict
			}
			if err != nil {
				return fmt.Errorf("failed to insert run: %w", err)
			}
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE runs SET version = ?, status = ?, cursor_step = ?, data = ?, updated_at = ?
				WHERE run_id = ? AND version = ?
			`, stored.Version, stored.Status, stored.Cursor, string(stored.Data), nanos, stored.RunID, rec.Version)
			if err != nil {
				return fmt.Errorf("failed to update run: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rows affected: %w", err)
			}
			if affected == 0 {
				return ErrConflict
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_history (run_id, version, status, cursor_step, data, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, stored.RunID, stored.Version, stored.Status, stored.Cursor, string(stored.Data), nanos)
		if isDuplicateEntry(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return stored, nil
}

// History returns every saved version of a run, oldest first.
func (m *MySQLStore) History(ctx context.Context, runID string) ([]Record, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT run_id, version, status, cursor_step, data, updated_at
		FROM run_history WHERE run_id = ?
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
func (m *MySQLStore) List(ctx context.Context, q Query) ([]Record, error) {
	if err := m.checkOpen(); err != nil {
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

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return scanRecords(rows)
}

// Close closes the database connection pool.
// Calling Close multiple times is safe.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// WithTransaction executes fn within a READ COMMITTED transaction.
//
// If fn returns an error the transaction is rolled back and the error is
// returned unchanged, so sentinels such as ErrConflict survive.
func (m *MySQLStore) WithTransaction(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
