// Package database owns the process-wide PostgreSQL connection pool and the
// transactional unit-of-work helper used by every store.
//
// The pool is constructed once at startup and passed to components by
// dependency injection; nothing in this package holds global state.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors, checked with errors.Is().
var (
	// ErrUnavailable indicates the database could not be reached or a
	// connection could not be acquired. Safe to retry with backoff.
	ErrUnavailable = errors.New("database unavailable")
)

// New creates a connection pool for the given DSN and verifies connectivity
// with a ping. maxConns bounds the pool; zero keeps the pgxpool default.
//
// The returned pool is the single shared pool for the process. Callers own
// it and must Close() it on shutdown.
func New(ctx context.Context, connString string, maxConns int32, logger *slog.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create pool: %w", ErrUnavailable, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrUnavailable, err)
	}

	logger.Debug("database pool ready",
		"host", cfg.ConnConfig.Host,
		"database", cfg.ConnConfig.Database,
		"max_conns", cfg.MaxConns)
	return pool, nil
}

// WithTx runs fn inside a transaction.
//
// The transaction commits when fn returns nil and rolls back otherwise.
// Rollback is guaranteed on every exit path, including panics, via the
// deferred rollback; pgx treats rollback after commit as a no-op error
// (pgx.ErrTxClosed) which is swallowed here.
//
// A failure to begin the transaction (pool exhausted, network down) wraps
// ErrUnavailable so callers can distinguish it from query failures inside fn.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrUnavailable, err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Retryable reports whether err is a transient storage failure that is safe
// to retry with backoff: connection-class failures, deadlocks, and
// serialization conflicts. Validation errors, not-found, and constraint
// violations are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrUnavailable) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. 40001: serialization failure.
		// 40P01: deadlock detected. 57P03: cannot connect now.
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P03":
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return pgconn.SafeToRetry(err)
}
