// Package sqlite carries the context-scoped transaction used by the
// repositories. Every engine mutation, including its audit entries, commits
// through one WithTransaction call.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
)

type txKeyType struct{}

var txKey txKeyType

// Options tunes how WithTransaction waits for the write lock
type Options struct {
	// BeginRetries is how many extra BEGIN attempts are made on SQLITE_BUSY
	BeginRetries int

	// BeginBackoff is the pause between BEGIN attempts, doubled each time
	BeginBackoff time.Duration
}

// DefaultOptions returns the retry policy used by NewDB
func DefaultOptions() Options {
	return Options{
		BeginRetries: 3,
		BeginBackoff: 50 * time.Millisecond,
	}
}

// DB implements port.TransactionManager over a sqlite handle
type DB struct {
	*sql.DB
	opts   Options
	logger *zap.Logger
}

// NewDB creates a transaction manager with DefaultOptions
func NewDB(sqlDB *sql.DB, logger *zap.Logger) *DB {
	return NewDBWithOptions(sqlDB, DefaultOptions(), logger)
}

// NewDBWithOptions creates a transaction manager with explicit retry settings
func NewDBWithOptions(sqlDB *sql.DB, opts Options, logger *zap.Logger) *DB {
	if opts.BeginRetries < 0 {
		opts.BeginRetries = 0
	}
	return &DB{
		DB:     sqlDB,
		opts:   opts,
		logger: logger,
	}
}

// WithTransaction runs fn inside a transaction carried by the context.
// Nested calls join the outer transaction. Only BEGIN is retried: once fn
// has run, a failure is returned as is.
func (db *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		return fn(ctx)
	}

	tx, err := db.begin(ctx)
	if err != nil {
		return err
	}

	done := false
	defer func() {
		if done {
			return
		}
		if p := recover(); p != nil {
			_ = tx.Rollback()
			db.logger.Error("Transaction panicked, rolled back", zap.Any("panic", p))
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		done = true
		return err
	}

	done = true
	if err := tx.Commit(); err != nil {
		db.logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) begin(ctx context.Context) (*sql.Tx, error) {
	backoff := db.opts.BeginBackoff
	for attempt := 0; ; attempt++ {
		tx, err := db.BeginTx(ctx, nil)
		if err == nil {
			return tx, nil
		}
		if !IsBusy(err) || attempt >= db.opts.BeginRetries {
			db.logger.Error("Failed to begin transaction",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}

		db.logger.Warn("Database busy, retrying begin",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// IsBusy reports whether err is sqlite lock contention
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// IsConstraint reports whether err is a sqlite constraint violation
func IsConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// Executor covers both *sql.DB and *sql.Tx
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ExecutorFor returns the transaction in ctx, or db when there is none
func ExecutorFor(ctx context.Context, db *sql.DB) Executor {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return db
}

var _ port.TransactionManager = (*DB)(nil)
