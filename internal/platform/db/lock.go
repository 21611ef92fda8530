package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLockHeld is returned when another session already owns the advisory lock.
var ErrLockHeld = errors.New("advisory lock is held by another session")

// TryAdvisoryLock takes a session-level advisory lock on a dedicated
// connection. The returned release func unlocks and returns the connection
// to the pool; it must be called exactly once.
func TryAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, key int64) (func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock %d: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, ErrLockHeld
	}

	return func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}, nil
}
