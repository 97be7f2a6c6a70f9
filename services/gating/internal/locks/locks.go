// Package locks serializes work per key.
//
// Local covers a single process. Redis extends the same guarantee across
// replicas and keeps waiters off the database connection pool.
package locks

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when the context ends before the lock is held.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires an exclusive lock for key. The returned unlock must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
