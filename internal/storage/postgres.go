package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS exec_logs (
	id         BIGSERIAL PRIMARY KEY,
	username   TEXT        NOT NULL,
	filename   TEXT,
	exit_code  INTEGER,
	stdout     TEXT,
	stderr     TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS exec_logs_created_at ON exec_logs (created_at DESC, id DESC);
`

// schemaLockKey is the advisory lock id that serializes schema creation
// across processes sharing one database.
const schemaLockKey = 0x65786563

// PostgresStore keeps the execution log in PostgreSQL. Writes share the
// same process-wide mutex as the embedded backend.
type PostgresStore struct {
	pool *pgxpool.Pool

	writeMu     sync.Mutex
	initialized bool
}

// OpenPostgres connects to the database at dsn and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, poolSize int) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres log store: dsn is required")
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	if poolSize > 0 {
		config.MaxConns = int32(poolSize)
	}
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("init execution log: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("init execution log: lock: %w", err)
	}
	if _, err := tx.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("init execution log: create schema: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("init execution log: commit: %w", err)
	}

	s.initialized = true
	return nil
}

func (s *PostgresStore) InsertLog(ctx context.Context, e Entry) (LogRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.initialized {
		return LogRecord{}, ErrNotInitialized
	}

	rec := LogRecord{
		Username: e.Username,
		Filename: e.Filename,
		ExitCode: e.ExitCode,
		Stdout:   e.Stdout,
		Stderr:   e.Stderr,
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO exec_logs (username, filename, exit_code, stdout, stderr)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		e.Username, e.Filename, e.ExitCode, e.Stdout, e.Stderr,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return LogRecord{}, fmt.Errorf("insert execution log: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) FetchRecent(ctx context.Context, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		return []LogRecord{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, username, COALESCE(filename, ''), COALESCE(exit_code, 0),
			COALESCE(stdout, ''), COALESCE(stderr, ''), created_at
		 FROM exec_logs
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch execution log: %w", err)
	}
	defer rows.Close()

	records := make([]LogRecord, 0, min(limit, 64))
	for rows.Next() {
		var rec LogRecord
		if err := rows.Scan(
			&rec.ID, &rec.Username, &rec.Filename, &rec.ExitCode,
			&rec.Stdout, &rec.Stderr, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution log row: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
