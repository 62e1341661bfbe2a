// Package database wraps the pooled PostgreSQL connection and owns the
// per-project schema lifecycle. Every connection has its search_path pinned
// to "<projectSchema>, public" through the DSN before the first query runs;
// a missed pin would silently break project isolation, so the pin is part of
// connection establishment rather than something callers opt into.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/specmem/specmem/pkg/config"
	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/observability"
)

// Database represents the project-scoped database access layer
type Database struct {
	db      *sqlx.DB
	schema  string
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewDatabase opens a pooled connection with the search_path pinned to the
// project schema. The schema itself is created by SchemaManager; the pin is
// harmless before creation because public still resolves.
func NewDatabase(ctx context.Context, cfg config.DatabaseConfig, schema string, logger observability.Logger, metrics observability.MetricsClient) (*Database, error) {
	if logger == nil {
		logger = observability.NewStandardLogger("database")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if schema == "" {
		return nil, errors.New(errors.ClassInvalidRequest, "project schema is required").
			WithOperation("database.NewDatabase")
	}

	db, err := sqlx.Open("postgres", cfg.DSN(schema))
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassStoragePermanent, "failed to open database").
			WithOperation("database.NewDatabase")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ClassifyError(err).WithOperation("database.Ping")
	}

	logger.Info("Database connection established", map[string]interface{}{
		"schema":         schema,
		"max_open_conns": maxOpen,
	})

	return &Database{db: db, schema: schema, logger: logger, metrics: metrics}, nil
}

// NewDatabaseWithDB wraps an existing sqlx.DB. Used by tests with sqlmock.
func NewDatabaseWithDB(db *sqlx.DB, schema string, logger observability.Logger) *Database {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Database{db: db, schema: schema, logger: logger, metrics: observability.NewNoopMetricsClient()}
}

// Schema returns the pinned project schema name
func (d *Database) Schema() string { return d.schema }

// DB exposes the underlying pool for components that compose their own queries
func (d *Database) DB() *sqlx.DB { return d.db }

// Exec runs a statement and classifies any driver failure
func (d *Database) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return res, nil
}

// Query runs a query returning rows, classifying any driver failure
func (d *Database) Query(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	rows, err := d.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return rows, nil
}

// QueryRow runs a single-row query
func (d *Database) QueryRow(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	return d.db.QueryRowxContext(ctx, query, args...)
}

// Get scans a single row into dest
func (d *Database) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if err := d.db.GetContext(ctx, dest, query, args...); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// Select scans all rows into dest
func (d *Database) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if err := d.db.SelectContext(ctx, dest, query, args...); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// Transaction runs fn in an explicit transaction with rollback on error.
// There are no implicit retries; callers own retry policy.
func (d *Database) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return ClassifyError(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Error("Failed to roll back transaction", map[string]interface{}{
				"error": rbErr.Error(),
			})
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// Close closes the connection pool
func (d *Database) Close() error {
	return d.db.Close()
}

// ClassifyError maps driver errors to the classified taxonomy. Unique
// violations become Conflict; serialization/deadlock/connection faults are
// transient; everything else is a permanent storage fault.
func ClassifyError(err error) *errors.ClassifiedError {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return errors.Wrap(err, errors.ClassNotFound, "record not found")
	}
	if err == context.Canceled {
		return errors.Wrap(err, errors.ClassCancelled, "operation cancelled")
	}
	if err == context.DeadlineExceeded {
		return errors.Wrap(err, errors.ClassTimeout, "operation timed out")
	}

	if pqErr, ok := err.(*pq.Error); ok {
		code := string(pqErr.Code)
		switch {
		case code == "23505":
			return errors.Wrap(err, errors.ClassConflict, pqErr.Message)
		case code == "40001" || code == "40P01":
			return errors.Wrap(err, errors.ClassStorageTransient, pqErr.Message)
		case strings.HasPrefix(code, "08"):
			return errors.Wrap(err, errors.ClassStorageTransient, pqErr.Message)
		case strings.HasPrefix(code, "53"):
			// Insufficient resources (too many connections, out of memory)
			return errors.Wrap(err, errors.ClassStorageTransient, pqErr.Message)
		case code == "22000" || strings.HasPrefix(code, "22"):
			return errors.Wrap(err, errors.ClassInvalidRequest, pqErr.Message)
		default:
			return errors.Wrap(err, errors.ClassStoragePermanent, pqErr.Message)
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection") {
		return errors.Wrap(err, errors.ClassStorageTransient, msg)
	}
	return errors.Wrap(err, errors.ClassStoragePermanent, fmt.Sprintf("storage fault: %s", msg))
}
