// Package postgres implements the izi storage Adapter contract on top of
// PostgreSQL, claiming jobs with a real `SELECT ... FOR UPDATE SKIP
// LOCKED` query so concurrent dispatchers never contend for the same
// row.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"izi/internal/adapter"
	"izi/internal/lock"
	"izi/internal/migrate"
	"izi/internal/model"
	"izi/internal/state"

	"github.com/lib/pq"
)

// Adapter is the PostgreSQL-backed implementation of adapter.Adapter.
type Adapter struct {
	db       *sql.DB
	connStr  string
	lockMgr  lock.Manager
	listener *pq.Listener
}

// New opens a connection pool against connStr and wires a
// pg_advisory_lock-based Manager for serializing migrations.
func New(connStr string) (*Adapter, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Adapter{db: db, connStr: connStr, lockMgr: &lock.Postgres{DB: db}}, nil
}

// NewWithDB wraps an already-open *sql.DB, used by tests with go-sqlmock.
func NewWithDB(db *sql.DB) *Adapter {
	return &Adapter{db: db, lockMgr: &lock.Postgres{DB: db}}
}

func (a *Adapter) Migrate(ctx context.Context) error {
	if err := a.lockMgr.Acquire(ctx, lock.MigrationLockID); err != nil {
		return err
	}
	defer a.lockMgr.Release(ctx, lock.MigrationLockID)

	runner := &migrate.Runner{DB: a.db, Dialect: dialect{}, Migrations: migrations}
	return runner.Migrate(ctx)
}

func (a *Adapter) Rollback(ctx context.Context, targetVersion int) error {
	if err := a.lockMgr.Acquire(ctx, lock.MigrationLockID); err != nil {
		return err
	}
	defer a.lockMgr.Release(ctx, lock.MigrationLockID)

	runner := &migrate.Runner{DB: a.db, Dialect: dialect{}, Migrations: migrations}
	return runner.Rollback(ctx, targetVersion)
}

func (a *Adapter) InsertJob(ctx context.Context, j *model.Job) (*model.Job, error) {
	args, err := json.Marshal(orEmptyMap(j.Args))
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(orEmptyMap(j.Meta))
	if err != nil {
		return nil, err
	}
	errs, err := json.Marshal(orEmptyErrors(j.Errors))
	if err != nil {
		return nil, err
	}

	const q = `
		INSERT INTO izi_jobs
			(state, queue, worker, args, meta, tags, errors, attempt, max_attempts, priority, inserted_at, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), $11)
		RETURNING id, inserted_at`

	row := a.db.QueryRowContext(ctx, q,
		string(j.State), j.Queue, j.Worker, args, meta, pq.Array(j.Tags), errs,
		j.Attempt, j.MaxAttempts, j.Priority, j.ScheduledAt,
	)
	out := j.Clone()
	if err := row.Scan(&out.ID, &out.InsertedAt); err != nil {
		return nil, fmt.Errorf("postgres: insert job: %w", err)
	}
	return out, nil
}

const selectColumns = `id, state, queue, worker, args, meta, tags, errors, attempt, max_attempts, priority,
	inserted_at, scheduled_at, attempted_at, completed_at, discarded_at, cancelled_at`

func (a *Adapter) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM izi_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return j, nil
}

func (a *Adapter) UpdateJob(ctx context.Context, id int64, u *model.Update) (*model.Job, error) {
	sets := []string{}
	args := []any{}
	i := 1
	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
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
		b, err := json.Marshal(u.Meta)
		if err != nil {
			return nil, err
		}
		add("meta", b)
		sets[len(sets)-1] = fmt.Sprintf("meta = meta || $%d", i-1)
	}

	if len(sets) == 0 {
		return a.GetJob(ctx, id)
	}

	args = append(args, id)
	q := fmt.Sprintf(`UPDATE izi_jobs SET %s WHERE id = $%d RETURNING `+selectColumns, strings.Join(sets, ", "), i)
	row := a.db.QueryRowContext(ctx, q, args...)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: update job: %w", err)
	}
	return j, nil
}

// FetchJobs is the critical operation: it atomically claims up to limit
// available, due jobs for queue using SELECT ... FOR UPDATE SKIP LOCKED
// so that two concurrent callers never receive overlapping rows.
func (a *Adapter) FetchJobs(ctx context.Context, queue string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	const q = `
		UPDATE izi_jobs SET
			state = 'executing',
			attempted_at = now(),
			attempt = attempt + 1
		WHERE id IN (
			SELECT id FROM izi_jobs
			WHERE queue = $1 AND state = 'available' AND scheduled_at <= now()
			ORDER BY priority ASC, scheduled_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING ` + selectColumns

	rows, err := tx.QueryContext(ctx, q, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch jobs: %w", err)
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
	res, err := a.db.ExecContext(ctx, `UPDATE izi_jobs SET state = 'available' WHERE state = 'scheduled' AND scheduled_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres: stage jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) CancelJobs(ctx context.Context, filter adapter.CancelFilter) (int, error) {
	where := []string{"state NOT IN ('completed','discarded','cancelled')"}
	args := []any{}
	i := 1
	if filter.Queue != "" {
		where = append(where, fmt.Sprintf("queue = $%d", i))
		args = append(args, filter.Queue)
		i++
	}
	if filter.Worker != "" {
		where = append(where, fmt.Sprintf("worker = $%d", i))
		args = append(args, filter.Worker)
		i++
	}
	if filter.State != "" {
		where = append(where, fmt.Sprintf("state = $%d", i))
		args = append(args, string(filter.State))
		i++
	}

	q := `UPDATE izi_jobs SET state = 'cancelled', cancelled_at = now() WHERE ` + strings.Join(where, " AND ")
	res, err := a.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: cancel jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) RescueStuckJobs(ctx context.Context, after time.Duration) (int, error) {
	const q = `UPDATE izi_jobs SET state = 'available', scheduled_at = now()
		WHERE state = 'executing' AND attempted_at < now() - ($1 * interval '1 second')`
	res, err := a.db.ExecContext(ctx, q, after.Seconds())
	if err != nil {
		return 0, fmt.Errorf("postgres: rescue stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) PruneJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	const q = `DELETE FROM izi_jobs
		WHERE state IN ('completed','discarded','cancelled')
		AND coalesce(completed_at, discarded_at, cancelled_at) < now() - ($1 * interval '1 second')`
	res, err := a.db.ExecContext(ctx, q, maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("postgres: prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) CheckUnique(ctx context.Context, opts adapter.UniqueOptions, j *model.Job) (*model.Job, error) {
	opts = adapter.DefaultUniqueOptions(opts)

	states := make([]string, len(opts.States))
	for i, s := range opts.States {
		states[i] = string(s)
	}

	where := []string{"state = ANY($1)"}
	args := []any{pq.Array(states)}
	i := 2
	if !opts.Infinite {
		where = append(where, fmt.Sprintf("inserted_at > now() - ($%d * interval '1 second')", i))
		args = append(args, opts.Period.Seconds())
		i++
	}
	q := `SELECT ` + selectColumns + ` FROM izi_jobs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: check unique: %w", err)
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

// Listen installs a pq.Listener on the izi_jobs_insert channel with a
// reconnect loop with exponential backoff, capped at 30s, up to 10
// attempts.
func (a *Adapter) Listen(ctx context.Context, cb adapter.NotifyCallback) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("izi: postgres listener event %v: %v", ev, err)
		}
	}

	listener := pq.NewListener(a.connStr, 1*time.Second, 30*time.Second, reportProblem)
	if err := listener.Listen("izi_jobs_insert"); err != nil {
		return fmt.Errorf("postgres: listen: %w", err)
	}
	a.listener = listener

	go func() {
		attempts := 0
		for {
			select {
			case <-ctx.Done():
				listener.Close()
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					attempts++
					if attempts > 10 {
						log.Printf("izi: postgres listener giving up after %d reconnect attempts", attempts)
						return
					}
					continue
				}
				attempts = 0
				var payload struct {
					Queue string `json:"queue"`
				}
				if err := json.Unmarshal([]byte(n.Extra), &payload); err == nil {
					cb(payload.Queue)
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
	return nil
}

func (a *Adapter) Notify(ctx context.Context, queue string) error {
	payload, err := json.Marshal(map[string]string{"queue": queue})
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `SELECT pg_notify('izi_jobs_insert', $1)`, string(payload))
	return err
}

func (a *Adapter) Close() error {
	if a.listener != nil {
		a.listener.Close()
	}
	return a.db.Close()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
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

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*model.Job, error) {
	return scanJobRows(s)
}

func scanJobRows(s scanner) (*model.Job, error) {
	var j model.Job
	var st string
	var argsB, metaB, errsB []byte
	var tags pq.StringArray

	if err := s.Scan(
		&j.ID, &st, &j.Queue, &j.Worker, &argsB, &metaB, &tags, &errsB,
		&j.Attempt, &j.MaxAttempts, &j.Priority,
		&j.InsertedAt, &j.ScheduledAt, &j.AttemptedAt, &j.CompletedAt, &j.DiscardedAt, &j.CancelledAt,
	); err != nil {
		return nil, err
	}
	j.State = state.JobState(st)
	j.Tags = []string(tags)
	if len(argsB) > 0 {
		json.Unmarshal(argsB, &j.Args)
	}
	if len(metaB) > 0 {
		json.Unmarshal(metaB, &j.Meta)
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
