// Package adapter defines the polymorphic storage contract every
// backend (Postgres, MySQL, SQLite) must satisfy identically.
package adapter

import (
	"context"
	"errors"
	"time"

	"izi/internal/model"
	"izi/internal/state"
)

// ErrNotifyUnsupported is returned by Listen on adapters with no native
// pub/sub primitive (MySQL, SQLite). Callers fall back to polling or an
// external notify bridge.
var ErrNotifyUnsupported = errors.New("adapter: listen/notify not supported by this backend")

// CancelFilter narrows CancelJobs to a subset of non-terminal rows.
// Every field is optional; an entirely empty filter cancels all
// non-terminal rows.
type CancelFilter struct {
	Queue  string
	Worker string
	State  state.JobState
}

// UniqueOptions configures CheckUnique.
type UniqueOptions struct {
	Fields []string // subset of "worker", "queue", "args"; default all three
	Keys   []string // top-level keys into Args to compare, instead of whole-Args equality; nested keys are not looked up
	Period time.Duration // 0 means the 60s default; ignored (no time bound) when Infinite is set
	Infinite bool
	States []state.JobState
}

// NotifyCallback is invoked with the queue name carried by a
// izi_jobs_insert notification.
type NotifyCallback func(queue string)

// Adapter is the storage contract every backend must satisfy. Every
// operation on a given engine must be exposable through database/sql.
type Adapter interface {
	Migrate(ctx context.Context) error
	Rollback(ctx context.Context, targetVersion int) error

	InsertJob(ctx context.Context, j *model.Job) (*model.Job, error)
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	UpdateJob(ctx context.Context, id int64, u *model.Update) (*model.Job, error)

	// FetchJobs atomically claims up to limit available, due rows for
	// queue and returns them in (priority ASC, scheduled_at ASC, id ASC)
	// order, exclusive of any other concurrent caller.
	FetchJobs(ctx context.Context, queue string, limit int) ([]*model.Job, error)

	StageJobs(ctx context.Context) (int, error)
	CancelJobs(ctx context.Context, filter CancelFilter) (int, error)
	RescueStuckJobs(ctx context.Context, after time.Duration) (int, error)
	PruneJobs(ctx context.Context, maxAge time.Duration) (int, error)

	CheckUnique(ctx context.Context, opts UniqueOptions, j *model.Job) (*model.Job, error)

	// Listen/Notify are optional; adapters that cannot support them
	// return ErrNotifyUnsupported from Listen.
	Listen(ctx context.Context, cb NotifyCallback) error
	Notify(ctx context.Context, queue string) error

	Close() error
}
