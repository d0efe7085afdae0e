package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS exec_logs (
	id         BIGINT AUTO_INCREMENT PRIMARY KEY,
	username   VARCHAR(255) NOT NULL,
	filename   VARCHAR(255),
	exit_code  INT,
	stdout     MEDIUMTEXT,
	stderr     MEDIUMTEXT,
	created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	INDEX exec_logs_created_at (created_at, id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// MySQLStore keeps the execution log in MySQL.
type MySQLStore struct {
	db *sql.DB

	writeMu     sync.Mutex
	initialized bool
}

// OpenMySQL connects to dsn ("user:pass@tcp(host:3306)/db"). Timestamps
// are always read back as UTC time.Time values whatever the DSN says.
func OpenMySQL(ctx context.Context, dsn string, poolSize int) (*MySQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql log store: dsn is required")
	}

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)

	maxOpen := 25
	if poolSize > 0 {
		maxOpen = poolSize
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(5, maxOpen))
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Str("db", cfg.DBName).Msg("connected to MySQL")
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Init(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, mysqlSchema); err != nil {
		return fmt.Errorf("init execution log: create schema: %w", err)
	}
	s.initialized = true
	return nil
}

func (s *MySQLStore) InsertLog(ctx context.Context, e Entry) (LogRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.initialized {
		return LogRecord{}, ErrNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LogRecord{}, fmt.Errorf("insert execution log: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO exec_logs (username, filename, exit_code, stdout, stderr)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Username, e.Filename, e.ExitCode, e.Stdout, e.Stderr,
	)
	if err != nil {
		return LogRecord{}, fmt.Errorf("insert execution log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return LogRecord{}, fmt.Errorf("insert execution log: last insert id: %w", err)
	}

	rec := LogRecord{
		ID:       id,
		Username: e.Username,
		Filename: e.Filename,
		ExitCode: e.ExitCode,
		Stdout:   e.Stdout,
		Stderr:   e.Stderr,
	}
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM exec_logs WHERE id = ?`, id).Scan(&rec.CreatedAt); err != nil {
		return LogRecord{}, fmt.Errorf("insert execution log: read back: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return LogRecord{}, fmt.Errorf("insert execution log: commit: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (s *MySQLStore) FetchRecent(ctx context.Context, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		return []LogRecord{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, COALESCE(filename, ''), COALESCE(exit_code, 0),
			COALESCE(stdout, ''), COALESCE(stderr, ''), created_at
		 FROM exec_logs
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, limit)
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

func (s *MySQLStore) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
