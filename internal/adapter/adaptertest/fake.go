// Package adaptertest provides an in-memory Adapter used only by tests.
// Unlike a caller-supplied stub, it implements real state-machine
// behavior (claim, stage, rescue, prune, unique-check) so dispatcher and
// executor tests can exercise FetchJobs actually claiming rows.
package adaptertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"izi/internal/adapter"
	"izi/internal/model"
	"izi/internal/state"
)

// Fake is a single-process, mutex-guarded stand-in for a real Adapter.
// It is not safe to share across parallel *testing.T subtests unless
// synchronized externally.
type Fake struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*model.Job
	Now     func() time.Time
	Notified []string

	listenCallback adapter.NotifyCallback
	migrated       bool
}

// New constructs an empty Fake using time.Now for every "now" the real
// adapters would compute in SQL.
func New() *Fake {
	return &Fake{jobs: make(map[int64]*model.Job), Now: time.Now}
}

func (f *Fake) now() time.Time { return f.Now() }

func (f *Fake) Migrate(ctx context.Context) error   { f.migrated = true; return nil }
func (f *Fake) Rollback(ctx context.Context, v int) error { return nil }

// InsertJob assigns the next id, stamps InsertedAt, and fills State and
// ScheduledAt when the caller left them empty.
func (f *Fake) InsertJob(ctx context.Context, j *model.Job) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	out := j.Clone()
	out.ID = f.nextID
	out.InsertedAt = f.now()
	if out.State == "" {
		out.State = state.Initial(out.ScheduledAt.After(f.now()))
	}
	if out.ScheduledAt.IsZero() {
		out.ScheduledAt = out.InsertedAt
	}
	f.jobs[out.ID] = out
	return out.Clone(), nil
}

func (f *Fake) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

func (f *Fake) UpdateJob(ctx context.Context, id int64, u *model.Update) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	u.Apply(j)
	return j.Clone(), nil
}

// FetchJobs claims rows the same way the real adapters do: filtered by
// queue/state/schedule, ordered (priority, scheduled_at, id), limited,
// and flipped to executing before being handed back — all under the
// Fake's single mutex, which plays the role SKIP LOCKED plays for a
// real database.
func (f *Fake) FetchJobs(ctx context.Context, queue string, limit int) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var candidates []*model.Job
	for _, j := range f.jobs {
		if j.Queue == queue && j.State == state.Available && !j.ScheduledAt.After(now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		return less(candidates[i], candidates[k])
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*model.Job, 0, len(candidates))
	for _, j := range candidates {
		j.State = state.Executing
		j.Attempt++
		attempted := now
		j.AttemptedAt = &attempted
		out = append(out, j.Clone())
	}
	return out, nil
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

func (f *Fake) StageJobs(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	n := 0
	for _, j := range f.jobs {
		if j.State == state.Scheduled && !j.ScheduledAt.After(now) {
			j.State = state.Available
			n++
		}
	}
	return n, nil
}

func (f *Fake) CancelJobs(ctx context.Context, filter adapter.CancelFilter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	n := 0
	for _, j := range f.jobs {
		if state.IsTerminal(j.State) {
			continue
		}
		if filter.Queue != "" && j.Queue != filter.Queue {
			continue
		}
		if filter.Worker != "" && j.Worker != filter.Worker {
			continue
		}
		if filter.State != "" && j.State != filter.State {
			continue
		}
		j.State = state.Cancelled
		cancelled := now
		j.CancelledAt = &cancelled
		n++
	}
	return n, nil
}

func (f *Fake) RescueStuckJobs(ctx context.Context, after time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	n := 0
	for _, j := range f.jobs {
		if j.State != state.Executing || j.AttemptedAt == nil {
			continue
		}
		if j.AttemptedAt.Before(now.Add(-after)) {
			j.State = state.Available
			j.ScheduledAt = now
			n++
		}
	}
	return n, nil
}

func (f *Fake) PruneJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	n := 0
	for id, j := range f.jobs {
		at, ok := j.TerminalAt()
		if !ok {
			continue
		}
		if at.Before(now.Add(-maxAge)) {
			delete(f.jobs, id)
			n++
		}
	}
	return n, nil
}

func (f *Fake) CheckUnique(ctx context.Context, opts adapter.UniqueOptions, j *model.Job) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts = adapter.DefaultUniqueOptions(opts)
	now := f.now()

	var ids []int64
	for id := range f.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })

	for _, id := range ids {
		candidate := f.jobs[id]
		if !inStates(candidate.State, opts.States) {
			continue
		}
		if !opts.Infinite && candidate.InsertedAt.Before(now.Add(-opts.Period)) {
			continue
		}
		if adapter.MatchesJob(opts, candidate, j) {
			return candidate.Clone(), nil
		}
	}
	return nil, nil
}

func inStates(s state.JobState, states []state.JobState) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}

// Listen records cb and reports success; call SimulateNotify to drive it
// from a test instead of a real LISTEN/NOTIFY channel.
func (f *Fake) Listen(ctx context.Context, cb adapter.NotifyCallback) error {
	f.mu.Lock()
	f.listenCallback = cb
	f.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (f *Fake) Notify(ctx context.Context, queue string) error {
	f.mu.Lock()
	f.Notified = append(f.Notified, queue)
	cb := f.listenCallback
	f.mu.Unlock()
	if cb != nil {
		cb(queue)
	}
	return nil
}

func (f *Fake) Close() error { return nil }

// Seed inserts j directly, bypassing InsertJob's timestamp defaulting,
// for tests that need to construct a specific state.
func (f *Fake) Seed(j *model.Job) *model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.ID == 0 {
		f.nextID++
		j.ID = f.nextID
	} else if j.ID > f.nextID {
		f.nextID = j.ID
	}
	out := j.Clone()
	f.jobs[out.ID] = out
	return out
}

// Jobs returns a snapshot of every job currently held, for assertions.
func (f *Fake) Jobs() []*model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

var _ adapter.Adapter = (*Fake)(nil)
