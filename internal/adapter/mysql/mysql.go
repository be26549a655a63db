// Package mysql implements the izi storage Adapter contract on top of
// MySQL 8+, following the same FOR UPDATE SKIP LOCKED claim algorithm as
// the postgres adapter but split into
// select-ids/update/reselect steps inside one transaction, since MySQL
// forbids an UPDATE from selecting out of the same table it is
// modifying in a plain subquery. New opens the database through the
// "mysql" database/sql driver name; this package does not import a
// driver itself.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"izi/internal/adapter"
	"izi/internal/migrate"
	"izi/internal/model"
	"izi/internal/state"
)

// Adapter is the MySQL-backed implementation of adapter.Adapter. It has
// no native LISTEN/NOTIFY primitive; Listen always returns
// adapter.ErrNotifyUnsupported — dispatchers using this
// adapter rely on polling plus the Stager's Dispatch() broadcast, or the
// optional Redis notify bridge.
type Adapter struct {
	db *sql.DB
}

func New(dsn string) (*Adapter, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return &Adapter{db: db}, nil
}

func NewWithDB(db *sql.DB) *Adapter { return &Adapter{db: db} }

func (a *Adapter) Migrate(ctx context.Context) error {
	runner := &migrate.Runner{DB: a.db, Dialect: dialect{}, Migrations: migrations}
	return runner.Migrate(ctx)
}

func (a *Adapter) Rollback(ctx context.Context, targetVersion int) error {
	runner := &migrate.Runner{DB: a.db, Dialect: dialect{}, Migrations: migrations}
	return runner.Rollback(ctx, targetVersion)
}

func (a *Adapter) InsertJob(ctx context.Context, j *model.Job) (*model.Job, error) {
	args, _ := json.Marshal(orEmptyMap(j.Args))
	meta, _ := json.Marshal(orEmptyMap(j.Meta))
	tags, _ := json.Marshal(orEmptyTags(j.Tags))
	errs, _ := json.Marshal(orEmptyErrors(j.Errors))
	now := time.Now().UTC()

	const q = `INSERT INTO izi_jobs
		(state, queue, worker, args, meta, tags, errors, attempt, max_attempts, priority, inserted_at, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := a.db.ExecContext(ctx, q, string(j.State), j.Queue, j.Worker, args, meta, tags, errs,
		j.Attempt, j.MaxAttempts, j.Priority, now, j.ScheduledAt)
	if err != nil {
		return nil, fmt.Errorf("mysql: insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return a.GetJob(ctx, id)
}

const selectColumns = `id, state, queue, worker, args, meta, tags, errors, attempt, max_attempts, priority,
	inserted_at, scheduled_at, attempted_at, completed_at, discarded_at, cancelled_at`

func (a *Adapter) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	return getJob(ctx, a.db, id)
}

func (a *Adapter) UpdateJob(ctx context.Context, id int64, u *model.Update) (*model.Job, error) {
	if u.Meta != nil {
		return a.updateJobWithMetaMerge(ctx, id, u)
	}
	return a.updateJob(ctx, a.db, id, u)
}

// updateJobWithMetaMerge wraps the select+merge+update in a transaction
// with FOR UPDATE locking the row, so a concurrent UpdateJob carrying its
// own Meta delta for the same id cannot read the pre-merge value and
// silently clobber this one.
func (a *Adapter) updateJobWithMetaMerge(ctx context.Context, id int64, u *model.Update) (*model.Job, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM izi_jobs WHERE id = ? FOR UPDATE`, id)
	existing, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mysql: lock job for meta merge: %w", err)
	}

	if existing.Meta == nil {
		existing.Meta = map[string]any{}
	}
	for k, v := range u.Meta {
		existing.Meta[k] = v
	}
	merged := existing.Meta

	job, err := a.updateJob(ctx, tx, id, u, merged)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mysql: commit meta merge: %w", err)
	}
	return job, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (a *Adapter) updateJob(ctx context.Context, ex execer, id int64, u *model.Update, mergedMeta ...map[string]any) (*model.Job, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if u.State != nil {
		add("state", string(*u.State))
	}
	if u.Attempt != nil {
		add("attempt", *u.Attempt)
	}
	if u.Errors != nil {
		b, err := json.Marshal(*u.Errors)
		if err != nil {
			return nil, err
		}
		add("errors", b)
	}
	if u.ScheduledAt != nil {
		add("scheduled_at", *u.ScheduledAt)
	}
	if u.AttemptedAt != nil {
		add("attempted_at", *u.AttemptedAt)
	}
	if u.CompletedAt != nil {
		add("completed_at", *u.CompletedAt)
	}
	if u.DiscardedAt != nil {
		add("discarded_at", *u.DiscardedAt)
	}
	if u.CancelledAt != nil {
		add("cancelled_at", *u.CancelledAt)
	}
	if u.Meta != nil {
		// mergedMeta[0] was already computed by updateJobWithMetaMerge
		// under the row lock; it must be the only source of truth here,
		// since re-reading via GetJob outside the lock would defeat it.
		b, err := json.Marshal(mergedMeta[0])
		if err != nil {
			return nil, err
		}
		add("meta", b)
	}

	if len(sets) == 0 {
		return getJob(ctx, ex, id)
	}

	args = append(args, id)
	q := `UPDATE izi_jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if _, err := ex.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("mysql: update job: %w", err)
	}
	return getJob(ctx, ex, id)
}

func getJob(ctx context.Context, ex execer, id int64) (*model.Job, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM izi_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mysql: get job: %w", err)
	}
	return j, nil
}

func (a *Adapter) FetchJobs(ctx context.Context, queue string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// MySQL forbids "UPDATE t ... WHERE id IN (SELECT ... FROM t)"
	// directly; wrapping the select in a derived table sidesteps it,
	// same trick MySQL's own docs recommend for this pattern.
	const selectIDs = `
		SELECT id FROM (
			SELECT id FROM izi_jobs
			WHERE queue = ? AND state = 'available' AND scheduled_at <= ?
			ORDER BY priority ASC, scheduled_at ASC, id ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		) AS claimable`

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, selectIDs, queue, now, limit)
	if err != nil {
		return nil, fmt.Errorf("mysql: select claimable: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	updateQ := fmt.Sprintf(`UPDATE izi_jobs SET state = 'executing', attempted_at = ?, attempt = attempt + 1 WHERE id IN (%s)`,
		strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, updateQ, args...); err != nil {
		return nil, fmt.Errorf("mysql: claim jobs: %w", err)
	}

	selectQ := `SELECT ` + selectColumns + ` FROM izi_jobs WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err = tx.QueryContext(ctx, selectQ, args[1:]...)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	sortByPriorityScheduledID(jobs)
	return jobs, nil
}

func (a *Adapter) StageJobs(ctx context.Context) (int, error) {
	res, err := a.db.ExecContext(ctx, `UPDATE izi_jobs SET state = 'available' WHERE state = 'scheduled' AND scheduled_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mysql: stage jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) CancelJobs(ctx context.Context, filter adapter.CancelFilter) (int, error) {
	where := []string{"state NOT IN ('completed','discarded','cancelled')"}
	args := []any{}
	if filter.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, filter.Queue)
	}
	if filter.Worker != "" {
		where = append(where, "worker = ?")
		args = append(args, filter.Worker)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	q := `UPDATE izi_jobs SET state = 'cancelled', cancelled_at = ? WHERE ` + strings.Join(where, " AND ")
	args = append([]any{time.Now().UTC()}, args...)
	res, err := a.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("mysql: cancel jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) RescueStuckJobs(ctx context.Context, after time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-after)
	res, err := a.db.ExecContext(ctx, `UPDATE izi_jobs SET state = 'available', scheduled_at = ? WHERE state = 'executing' AND attempted_at < ?`,
		time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("mysql: rescue stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) PruneJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := a.db.ExecContext(ctx, `DELETE FROM izi_jobs
		WHERE state IN ('completed','discarded','cancelled')
		AND coalesce(completed_at, discarded_at, cancelled_at) < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mysql: prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) CheckUnique(ctx context.Context, opts adapter.UniqueOptions, j *model.Job) (*model.Job, error) {
	opts = adapter.DefaultUniqueOptions(opts)

	placeholders := make([]string, len(opts.States))
	args := make([]any, 0, len(opts.States)+1)
	for i, s := range opts.States {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	where := []string{"state IN (" + strings.Join(placeholders, ",") + ")"}
	if !opts.Infinite {
		where = append(where, "inserted_at > ?")
		args = append(args, time.Now().UTC().Add(-opts.Period))
	}
	q := `SELECT ` + selectColumns + ` FROM izi_jobs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: check unique: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		candidate, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		if adapter.MatchesJob(opts, candidate, j) {
			return candidate, nil
		}
	}
	return nil, rows.Err()
}

// Listen has no MySQL-native backing primitive.
func (a *Adapter) Listen(ctx context.Context, cb adapter.NotifyCallback) error {
	return adapter.ErrNotifyUnsupported
}

func (a *Adapter) Notify(ctx context.Context, queue string) error {
	return adapter.ErrNotifyUnsupported
}

func (a *Adapter) Close() error { return a.db.Close() }

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyTags(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}

func orEmptyErrors(e []model.ErrorRecord) []model.ErrorRecord {
	if e == nil {
		return []model.ErrorRecord{}
	}
	return e
}

func sortByPriorityScheduledID(jobs []*model.Job) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && less(jobs[k], jobs[k-1]); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}

func less(a, b *model.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}

type scanner interface{ Scan(dest ...any) error }

func scanJob(s scanner) (*model.Job, error) { return scanJobRows(s) }

func scanJobRows(s scanner) (*model.Job, error) {
	var j model.Job
	var st string
	var argsB, metaB, tagsB, errsB []byte

	if err := s.Scan(
		&j.ID, &st, &j.Queue, &j.Worker, &argsB, &metaB, &tagsB, &errsB,
		&j.Attempt, &j.MaxAttempts, &j.Priority,
		&j.InsertedAt, &j.ScheduledAt, &j.AttemptedAt, &j.CompletedAt, &j.DiscardedAt, &j.CancelledAt,
	); err != nil {
		return nil, err
	}
	j.State = state.JobState(st)
	if len(argsB) > 0 {
		json.Unmarshal(argsB, &j.Args)
	}
	if len(metaB) > 0 {
		json.Unmarshal(metaB, &j.Meta)
	}
	if len(tagsB) > 0 {
		json.Unmarshal(tagsB, &j.Tags)
	}
	if len(errsB) > 0 {
		json.Unmarshal(errsB, &j.Errors)
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
