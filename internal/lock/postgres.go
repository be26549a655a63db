package lock

import (
	"context"
	"database/sql"
	"fmt"
)

// Postgres implements Manager using pg_advisory_lock.
type Postgres struct {
	DB *sql.DB
}

func (l *Postgres) Acquire(ctx context.Context, lockID int) error {
	if _, err := l.DB.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return fmt.Errorf("lock: acquire %d: %w", lockID, err)
	}
	return nil
}

func (l *Postgres) Release(ctx context.Context, lockID int) error {
	if _, err := l.DB.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID); err != nil {
		return fmt.Errorf("lock: release %d: %w", lockID, err)
	}
	return nil
}
