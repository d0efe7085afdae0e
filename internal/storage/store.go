// Package storage is the execution log: an append-only record of every
// execution attempt, readable newest-first for audit.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotInitialized is returned by writes issued before Init succeeded.
var ErrNotInitialized = errors.New("execution log not initialized")

// Store appends and reads execution log records. Implementations are safe
// for concurrent use.
type Store interface {
	// Init creates the schema if it is missing. Safe to call repeatedly.
	Init(ctx context.Context) error
	InsertLog(ctx context.Context, e Entry) (LogRecord, error)
	// FetchRecent returns at most limit records, most recent first.
	FetchRecent(ctx context.Context, limit int) ([]LogRecord, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// Options selects and configures a Store backend.
type Options struct {
	Driver   string // "sqlite" (default), "postgres" or "mysql"
	Path     string // sqlite database file
	DSN      string // postgres or mysql connection string
	PoolSize int
}

// Open returns the configured backend. The schema is not touched; call Init.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "sqlite":
		return OpenSQLite(opts.Path, opts.PoolSize)
	case "postgres":
		return OpenPostgres(ctx, opts.DSN, opts.PoolSize)
	case "mysql":
		return OpenMySQL(ctx, opts.DSN, opts.PoolSize)
	default:
		return nil, fmt.Errorf("unknown log store driver %q: must be sqlite, postgres or mysql", opts.Driver)
	}
}
