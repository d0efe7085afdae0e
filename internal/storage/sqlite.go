package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS exec_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	username   TEXT    NOT NULL,
	filename   TEXT,
	exit_code  INTEGER,
	stdout     TEXT,
	stderr     TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS exec_logs_created_at ON exec_logs (created_at DESC, id DESC);
`

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// SQLiteStore keeps the execution log in a single embedded database file.
// Every write runs under one process-wide mutex inside an IMMEDIATE
// transaction; reads use their own deferred transaction and run alongside
// writes thanks to WAL.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
	now  func() time.Time

	writeMu     sync.Mutex
	initialized bool
	lastCreated int64 // unix nanos of the newest row; keeps created_at monotonic
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, poolSize int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite log store: path is required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite log store %s: %w", path, err)
	}

	log.Info().Str("path", path).Int("pool_size", poolSize).Msg("opened sqlite execution log")
	return &SQLiteStore{pool: pool, path: path, now: time.Now}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	for _, pragma := range sqlitePragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Init(ctx context.Context) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("init execution log: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("init execution log: begin: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("init execution log: create schema: %w", err)
	}

	var newest int64
	err = sqlitex.Execute(conn, "SELECT COALESCE(MAX(created_at), 0) FROM exec_logs", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			newest = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("init execution log: read newest: %w", err)
	}

	if newest > s.lastCreated {
		s.lastCreated = newest
	}
	s.initialized = true
	return nil
}

func (s *SQLiteStore) InsertLog(ctx context.Context, e Entry) (rec LogRecord, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.initialized {
		return LogRecord{}, ErrNotInitialized
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return LogRecord{}, fmt.Errorf("insert execution log: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return LogRecord{}, fmt.Errorf("insert execution log: begin: %w", err)
	}
	defer endTransaction(&err)

	created := s.now().UnixNano()
	if created <= s.lastCreated {
		created = s.lastCreated + 1
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO exec_logs (username, filename, exit_code, stdout, stderr, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{e.Username, e.Filename, e.ExitCode, e.Stdout, e.Stderr, created},
		})
	if err != nil {
		return LogRecord{}, fmt.Errorf("insert execution log: %w", err)
	}

	s.lastCreated = created
	return LogRecord{
		ID:        conn.LastInsertRowID(),
		Username:  e.Username,
		Filename:  e.Filename,
		ExitCode:  e.ExitCode,
		Stdout:    e.Stdout,
		Stderr:    e.Stderr,
		CreatedAt: time.Unix(0, created).UTC(),
	}, nil
}

func (s *SQLiteStore) FetchRecent(ctx context.Context, limit int) (records []LogRecord, err error) {
	if limit <= 0 {
		return []LogRecord{}, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch execution log: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction := sqlitex.Transaction(conn)
	defer endTransaction(&err)

	records = make([]LogRecord, 0, min(limit, 64))
	err = sqlitex.Execute(conn,
		`SELECT id, username, filename, exit_code, stdout, stderr, created_at
		 FROM exec_logs
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, LogRecord{
					ID:        stmt.ColumnInt64(0),
					Username:  stmt.ColumnText(1),
					Filename:  stmt.ColumnText(2),
					ExitCode:  stmt.ColumnInt(3),
					Stdout:    stmt.ColumnText(4),
					Stderr:    stmt.ColumnText(5),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(6)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("fetch execution log: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Healthy(ctx context.Context) bool {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil) == nil
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("closing sqlite log store %s: %w", s.path, err)
	}
	return nil
}
