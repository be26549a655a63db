// Package migrate implements the generic "walk an ordered migration
// list, track applied versions in a table" algorithm shared by every
// adapter, supporting versioned forward/backward migration steps.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one forward/backward schema step.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Dialect supplies the handful of statements that differ across engines:
// how to create the migrations table, record and delete an applied
// version, and list the applied versions.
type Dialect interface {
	CreateMigrationsTableSQL() string
	InsertMigrationSQL() string
	DeleteMigrationSQL() string
	AppliedVersionsSQL() string
}

// Runner walks a Dialect's migrations table against an ordered
// migration list. It is safe to call Migrate repeatedly: already-applied
// versions are skipped.
type Runner struct {
	DB         *sql.DB
	Dialect    Dialect
	Migrations []Migration
}

// Migrate applies every pending migration, in ascending version order,
// each inside its own transaction.
func (r *Runner) Migrate(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, r.Dialect.CreateMigrationsTableSQL()); err != nil {
		return fmt.Errorf("migrate: create migrations table: %w", err)
	}

	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("migrate: load applied versions: %w", err)
	}

	for _, m := range r.Migrations {
		if applied[m.Version] {
			continue
		}
		if err := r.applyOne(ctx, m); err != nil {
			return fmt.Errorf("migrate: version %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Rollback reverses every applied migration strictly above targetVersion,
// in descending version order.
func (r *Runner) Rollback(ctx context.Context, targetVersion int) error {
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("migrate: load applied versions: %w", err)
	}

	for i := len(r.Migrations) - 1; i >= 0; i-- {
		m := r.Migrations[i]
		if m.Version <= targetVersion || !applied[m.Version] {
			continue
		}
		if err := r.revertOne(ctx, m); err != nil {
			return fmt.Errorf("rollback: version %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (r *Runner) applyOne(ctx context.Context, m Migration) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.Dialect.InsertMigrationSQL(), m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Runner) revertOne(ctx context.Context, m Migration) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if m.Down != "" {
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, r.Dialect.DeleteMigrationSQL(), m.Version); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Runner) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := r.DB.QueryContext(ctx, r.Dialect.AppliedVersionsSQL())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
