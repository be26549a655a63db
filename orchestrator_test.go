package izi

import (
	"context"
	"testing"
	"time"

	"izi/internal/adapter"
	"izi/internal/adapter/adaptertest"
	"izi/internal/model"
	"izi/internal/state"
	"izi/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *adaptertest.Fake) {
	t.Helper()
	base := append([]Option{WithDriver(SQLite, "file::memory:"), WithQueue("default", 5)}, opts...)
	cfg, err := NewConfig("test-instance", base...)
	require.NoError(t, err)

	fake := adaptertest.New()
	o, err := newWithAdapter(cfg, fake)
	require.NoError(t, err)
	return o, fake
}

func TestOrchestrator_InsertDefaultsQueueAndMaxAttempts(t *testing.T) {
	o, fake := newTestOrchestrator(t)
	require.NoError(t, o.Register(worker.Def{
		Name: "SendEmail", Perform: func(ctx context.Context, j *model.Job) (worker.Result, error) {
			return worker.OK(nil), nil
		},
	}))

	job, err := o.Insert(context.Background(), "SendEmail", map[string]any{"userId": float64(1)}, InsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, "default", job.Queue)
	assert.Equal(t, 20, job.MaxAttempts)
	assert.Len(t, fake.Jobs(), 1)
}

func TestOrchestrator_InsertWithResult_UniqueConflict(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	opts := InsertOptions{Unique: &adapter.UniqueOptions{}}
	first, conflict, err := o.InsertWithResult(context.Background(), "SendEmail", map[string]any{"userId": float64(1)}, opts)
	require.NoError(t, err)
	assert.False(t, conflict)

	second, conflict, err := o.InsertWithResult(context.Background(), "SendEmail", map[string]any{"userId": float64(1)}, opts)
	require.NoError(t, err)
	assert.True(t, conflict)
	assert.Equal(t, first.ID, second.ID)
}

func TestOrchestrator_StartDispatchesFetchedJobs(t *testing.T) {
	o, fake := newTestOrchestrator(t)

	done := make(chan struct{})
	require.NoError(t, o.Register(worker.Def{
		Name: "SendEmail", Perform: func(ctx context.Context, j *model.Job) (worker.Result, error) {
			close(done)
			return worker.OK(nil), nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(time.Second)

	_, err := o.Insert(context.Background(), "SendEmail", nil, InsertOptions{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never executed")
	}

	require.NoError(t, o.Drain(context.Background(), ""))
	jobs := fake.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, state.Completed, jobs[0].State)
}

func TestOrchestrator_PauseResumeScale(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(time.Second)

	require.NoError(t, o.PauseQueue("default"))
	status, err := o.GetQueueStatus("default")
	require.NoError(t, err)
	assert.Equal(t, "paused", status.Status.String())

	require.NoError(t, o.ResumeQueue("default"))
	status, _ = o.GetQueueStatus("default")
	assert.Equal(t, "running", status.Status.String())

	require.NoError(t, o.ScaleQueue("default", 42))
	status, _ = o.GetQueueStatus("default")
	assert.Equal(t, 42, status.Limit)
}

func TestOrchestrator_PruneJobsDefaultsMaxAgeWhenZero(t *testing.T) {
	o, fake := newTestOrchestrator(t)
	now := time.Now()
	fake.Seed(&model.Job{Queue: "default", Worker: "SendEmail", State: state.Completed, CompletedAt: &now})

	n, err := o.PruneJobs(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a job completed moments ago must survive the default 7-day prune age")
}

func TestOrchestrator_RescueStuckJobsDefaultsAfterWhenZero(t *testing.T) {
	o, fake := newTestOrchestrator(t)
	now := time.Now()
	fake.Seed(&model.Job{Queue: "default", Worker: "SendEmail", State: state.Executing, AttemptedAt: &now})

	n, err := o.RescueStuckJobs(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a job that started executing moments ago must survive the default 300s rescue window")
}

func TestOrchestrator_DrainWaitsForFreshlyInsertedJob(t *testing.T) {
	o, fake := newTestOrchestrator(t)
	require.NoError(t, o.Register(worker.Def{
		Name: "SendEmail", Perform: func(ctx context.Context, j *model.Job) (worker.Result, error) {
			return worker.OK(nil), nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	defer o.Stop(time.Second)

	_, err := o.Insert(context.Background(), "SendEmail", nil, InsertOptions{})
	require.NoError(t, err)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	require.NoError(t, o.Drain(drainCtx, "default"))

	jobs := fake.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, state.Completed, jobs[0].State)
}

func TestOrchestrator_DrainUnknownQueueErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(time.Second)

	err := o.Drain(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestOrchestrator_UnknownQueueErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.GetQueueStatus("ghost")
	assert.ErrorIs(t, err, ErrUnknownQueue)
}
