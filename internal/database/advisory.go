package database

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jmoiron/sqlx"
)

// AdvisoryLocker provides a cross-process mutex backed by a Postgres
// session-level advisory lock. Every process sharing the database and the
// lock name is mutually excluded while holding the lock.
type AdvisoryLocker struct {
	db  *sqlx.DB
	key int64
}

func NewAdvisoryLocker(db *sqlx.DB, name string) *AdvisoryLocker {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))

	return &AdvisoryLocker{db: db, key: int64(h.Sum64())}
}

// Lock blocks until the advisory lock is acquired (or the context is cancelled).
// The returned function releases the lock and must always be called.
func (locker *AdvisoryLocker) Lock(ctx context.Context) (func(), error) {
	conn, err := locker.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection for advisory lock: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", locker.key); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock %d: %w", locker.key, err)
	}

	return func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", locker.key); err != nil {
			dbLogger.Errorf("Failed to release advisory lock %d: %v\n", locker.key, err)
		}
		_ = conn.Close()
	}, nil
}
