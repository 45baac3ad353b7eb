// Package store is the Postgres persistence layer. It owns the schema, the
// transactional issuance path, and the batch bookkeeping. All methods
// classify their failures with the service error taxonomy so callers never
// see raw driver errors.
package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/trufnetwork/attestd/internal/types"
)

// batchLockKey is the advisory lock class shared by every batcher in a
// deployment. At most one holder batches at a time.
const batchLockKey = int64(0x6174746573746421) // "attestd!"

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects a pool and verifies the database is reachable.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Health pings the pool; used by the health endpoint.
func (s *Store) Health(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return types.WrapError(types.CodeInternal, err, "storage unreachable")
	}
	return nil
}

// inTx runs fn inside one transaction with rollback on any error. Retryable
// serialization failures are retried with exponential backoff before they
// surface as conflicts.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	op := func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "begin tx"))
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			if retryableTxError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if retryableTxError(err) {
				return err
			}
			return backoff.Permanent(errors.Wrap(err, "commit tx"))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if retryableTxError(err) {
			return types.WrapError(types.CodeConflict, err, "transaction conflicted after retries")
		}
		return err
	}
	return nil
}

// retryableTxError reports serialization failures and deadlocks, the two
// SQLSTATEs where rerunning the transaction is the correct response.
func retryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// uniqueViolation extracts the violated constraint name when err is a
// Postgres unique violation, or "" when it is not.
func uniqueViolation(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName
	}
	return ""
}

// AcquireBatchLock takes the deployment-wide batcher advisory lock without
// blocking. ok is false when another batcher holds it. The returned release
// must be called from the same goroutine cycle that acquired it.
func (s *Store) AcquireBatchLock(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire connection for batch lock")
	}
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, batchLockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "acquire batch lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	release = func() {
		// Unlock on a fresh context: the cycle context may already be done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, batchLockKey); err != nil {
			s.logger.Warn("failed to release batch lock", zap.Error(err))
		}
		conn.Release()
	}
	return release, true, nil
}
