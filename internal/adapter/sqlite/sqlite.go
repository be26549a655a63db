// Package sqlite implements the izi storage Adapter contract on top of
// SQLite through the "sqlite3" database/sql driver name; this package
// does not import a driver itself. SQLite has no row-level locking primitive
// equivalent to SELECT ... FOR UPDATE SKIP LOCKED, so FetchJobs instead
// opens its claim inside a BEGIN IMMEDIATE transaction: SQLite grants
// the write lock up front, serializing every concurrent claimer against
// a single writer at a time, the same exclusivity guarantee the other
// two adapters get from row locks.
package sqlite

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

// Adapter is the SQLite-backed implementation of adapter.Adapter.
type Adapter struct {
	db *sql.DB
}

func New(path string) (*Adapter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	// FetchJobs relies on BEGIN IMMEDIATE to serialize claimers; a
	// single connection makes that serialization trivially correct.
	db.SetMaxOpenConns(1)
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
		j.Attempt, j.MaxAttempts, j.Priority, toMillis(now), toMillis(j.ScheduledAt))
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert job: %w", err)
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

func getJob(ctx context.Context, ex execer, id int64) (*model.Job, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM izi_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get job: %w", err)
	}
	return j, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (a *Adapter) UpdateJob(ctx context.Context, id int64, u *model.Update) (*model.Job, error) {
	if u.Meta != nil {
		return a.updateJobWithMetaMerge(ctx, id, u)
	}
	return a.updateJob(ctx, a.db, id, u)
}

// updateJobWithMetaMerge wraps the select+merge+update in a transaction.
// The single-connection pool set in New means this transaction already
// excludes every other writer, giving the merge the same atomicity
// postgres.go's "meta || $N" expression gets natively.
func (a *Adapter) updateJobWithMetaMerge(ctx context.Context, id int64, u *model.Update) (*model.Job, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	if existing.Meta == nil {
		existing.Meta = map[string]any{}
	}
	for k, v := range u.Meta {
		existing.Meta[k] = v
	}

	job, err := a.updateJob(ctx, tx, id, u, existing.Meta)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit meta merge: %w", err)
	}
	return job, nil
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
		add("scheduled_at", toMillis(*u.ScheduledAt))
	}
	if u.AttemptedAt != nil {
		add("attempted_at", toMillis(*u.AttemptedAt))
	}
	if u.CompletedAt != nil {
		add("completed_at", toMillis(*u.CompletedAt))
	}
	if u.DiscardedAt != nil {
		add("discarded_at", toMillis(*u.DiscardedAt))
	}
	if u.CancelledAt != nil {
		add("cancelled_at", toMillis(*u.CancelledAt))
	}
	if u.Meta != nil {
		// mergedMeta[0] was computed by updateJobWithMetaMerge inside the
		// same transaction; re-reading via GetJob here would run outside
		// it and reopen the race this path exists to close.
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
		return nil, fmt.Errorf("sqlite: update job: %w", err)
	}
	return getJob(ctx, ex, id)
}

func (a *Adapter) FetchJobs(ctx context.Context, queue string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin immediate: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM izi_jobs
		WHERE queue = ? AND state = 'available' AND scheduled_at <= ?
		ORDER BY priority ASC, scheduled_at ASC, id ASC
		LIMIT ?`, queue, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select claimable: %w", err)
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
	idArgs := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		idArgs[i] = id
	}
	updateArgs := append([]any{toMillis(now)}, idArgs...)
	updateQ := fmt.Sprintf(`UPDATE izi_jobs SET state = 'executing', attempted_at = ?, attempt = attempt + 1 WHERE id IN (%s)`,
		strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, updateQ, updateArgs...); err != nil {
		return nil, fmt.Errorf("sqlite: claim jobs: %w", err)
	}

	selectQ := `SELECT ` + selectColumns + ` FROM izi_jobs WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err = tx.QueryContext(ctx, selectQ, idArgs...)
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
	res, err := a.db.ExecContext(ctx, `UPDATE izi_jobs SET state = 'available' WHERE state = 'scheduled' AND scheduled_at <= ?`, toMillis(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("sqlite: stage jobs: %w", err)
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
	args = append([]any{toMillis(time.Now().UTC())}, args...)
	res, err := a.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cancel jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) RescueStuckJobs(ctx context.Context, after time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-after)
	res, err := a.db.ExecContext(ctx, `UPDATE izi_jobs SET state = 'available', scheduled_at = ? WHERE state = 'executing' AND attempted_at < ?`,
		toMillis(time.Now().UTC()), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: rescue stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) PruneJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := a.db.ExecContext(ctx, `DELETE FROM izi_jobs
		WHERE state IN ('completed','discarded','cancelled')
		AND coalesce(completed_at, discarded_at, cancelled_at) < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune jobs: %w", err)
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
		args = append(args, toMillis(time.Now().UTC().Add(-opts.Period)))
	}
	q := `SELECT ` + selectColumns + ` FROM izi_jobs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: check unique: %w", err)
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

// Listen has no SQLite-native backing primitive.
func (a *Adapter) Listen(ctx context.Context, cb adapter.NotifyCallback) error {
	return adapter.ErrNotifyUnsupported
}

func (a *Adapter) Notify(ctx context.Context, queue string) error {
	return adapter.ErrNotifyUnsupported
}

func (a *Adapter) Close() error { return a.db.Close() }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

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
	var insertedAt, scheduledAt int64
	var attemptedAt, completedAt, discardedAt, cancelledAt sql.NullInt64

	if err := s.Scan(
		&j.ID, &st, &j.Queue, &j.Worker, &argsB, &metaB, &tagsB, &errsB,
		&j.Attempt, &j.MaxAttempts, &j.Priority,
		&insertedAt, &scheduledAt, &attemptedAt, &completedAt, &discardedAt, &cancelledAt,
	); err != nil {
		return nil, err
	}
	j.State = state.JobState(st)
	j.InsertedAt = fromMillis(insertedAt)
	j.ScheduledAt = fromMillis(scheduledAt)
	j.AttemptedAt = nullableTime(attemptedAt)
	j.CompletedAt = nullableTime(completedAt)
	j.DiscardedAt = nullableTime(discardedAt)
	j.CancelledAt = nullableTime(cancelledAt)

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

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
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
