// Package lock provides distributed mutual exclusion used to serialize
// migrations across cooperating processes.
package lock

import "context"

// Manager acquires and releases a named, integer-keyed distributed lock.
type Manager interface {
	Acquire(ctx context.Context, lockID int) error
	Release(ctx context.Context, lockID int) error
}

// MigrationLockID is the fixed advisory-lock key used to serialize
// Migrate() across processes.
const MigrationLockID = 8817

// Noop is a Manager that never actually locks, used by engines (or
// tests) where a single-process migration run is guaranteed some other
// way.
type Noop struct{}

func (Noop) Acquire(ctx context.Context, lockID int) error { return nil }
func (Noop) Release(ctx context.Context, lockID int) error { return nil }
