package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"izi/internal/adapter/adaptertest"
	"izi/internal/model"
	"izi/internal/state"
	"izi/internal/telemetry"
	"izi/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T, reg *worker.Registry) (*Executor, *adaptertest.Fake) {
	t.Helper()
	fake := adaptertest.New()
	return New(fake, reg, telemetry.New(), nil), fake
}

func TestExecutor_OKMarksCompleted(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(worker.Def{
		Name: "noop", Perform: func(ctx context.Context, j *model.Job) (worker.Result, error) {
			return worker.OK("done"), nil
		},
	}))

	e, fake := newExecutor(t, reg)
	job, _ := fake.InsertJob(context.Background(), &model.Job{Queue: "default", Worker: "noop", MaxAttempts: 3})
	job.State = state.Executing
	job.Attempt = 1

	e.Execute(context.Background(), job)

	got, _ := fake.GetJob(context.Background(), job.ID)
	assert.Equal(t, state.Completed, got.State)
	assert.NotNil(t, got.CompletedAt)
}

func TestExecutor_UnknownWorkerDiscardsOrRetries(t *testing.T) {
	reg := worker.NewRegistry()
	e, fake := newExecutor(t, reg)

	job, _ := fake.InsertJob(context.Background(), &model.Job{Queue: "default", Worker: "ghost", MaxAttempts: 1})
	job.Attempt = 1

	e.Execute(context.Background(), job)

	got, _ := fake.GetJob(context.Background(), job.ID)
	assert.Equal(t, state.Discarded, got.State)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0].Error, "not registered")
}

func TestExecutor_ErrorRetriesUntilMaxAttempts(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(worker.Def{
		Name: "fails", Perform: func(ctx context.Context, j *model.Job) (worker.Result, error) {
			return worker.Error(errors.New("boom")), nil
		},
	}))

	e, fake := newExecutor(t, reg)
	job, _ := fake.InsertJob(context.Background(), &model.Job{Queue: "default", Worker: "fails", MaxAttempts: 5})
	job.Attempt = 1

	e.Execute(context.Background(), job)

	got, _ := fake.GetJob(context.Background(), job.ID)
	assert.Equal(t, state.Retryable, got.State)
	assert.True(t, got.ScheduledAt.After(time.Now()))
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "boom", got.Errors[0].Error)
}

func TestExecutor_ErrorDiscardsAtMaxAttempts(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(worker.Def{
		Name: "fails", Perform: func(ctx context.Context, j *model.Job) (worker.Result, error) {
			return worker.Error(errors.New("boom")), nil
		},
	}))

	e, fake := newExecutor(t, reg)
	job, _ := fake.InsertJob(context.Background(), &model.Job{Queue: "default", Worker: "fails", MaxAttempts: 1})
	job.Attempt = 1

	e.Execute(context.Background(), job)

	got, _ := fake.GetJob(context.Background(), job.ID)
	assert.Equal(t, state.Discarded, got.State)
	assert.NotNil(t, got.DiscardedAt)
}

func TestExecutor_CancelSetsCancelled(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(worker.Def{
		Name: "cancels", Perform: func(ctx context.Context, j *model.Job) (worker.Result, error) {
			return worker.Cancel("no longer needed"), nil
		},
	}))

	e, fake := newExecutor(t, reg)
	job, _ := fake.InsertJob(context.Background(), &model.Job{Queue: "default", Worker: "cancels", MaxAttempts: 5})
	job.Attempt = 1

	e.Execute(context.Background(), job)

	got, _ := fake.GetJob(context.Background(), job.ID)
	assert.Equal(t, state.Cancelled, got.State)
	assert.NotNil(t, got.CancelledAt)
}

func TestExecutor_SnoozeReschedules(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(worker.Def{
		Name: "snoozes", Perform: func(ctx context.Context, j *model.Job) (worker.Result, error) {
			return worker.Snooze(30), nil
		},
	}))

	e, fake := newExecutor(t, reg)
	job, _ := fake.InsertJob(context.Background(), &model.Job{Queue: "default", Worker: "snoozes", MaxAttempts: 5})
	job.Attempt = 1

	e.Execute(context.Background(), job)

	got, _ := fake.GetJob(context.Background(), job.ID)
	assert.Equal(t, state.Scheduled, got.State)
	assert.True(t, got.ScheduledAt.After(time.Now().Add(20*time.Second)))
	assert.Contains(t, got.Meta, "snoozedAt")
}

func TestExecutor_WorkerBackoffOverridesExecutorDefault(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(worker.Def{
		Name: "fails",
		Backoff: func(j *model.Job, attempt int) time.Duration {
			return time.Hour
		},
		Perform: func(ctx context.Context, j *model.Job) (worker.Result, error) {
			return worker.Error(errors.New("boom")), nil
		},
	}))

	e, fake := newExecutor(t, reg)
	e.Backoff = func(j *model.Job, attempt int) time.Duration { return time.Second }

	job, _ := fake.InsertJob(context.Background(), &model.Job{Queue: "default", Worker: "fails", MaxAttempts: 5})
	job.Attempt = 1

	before := time.Now()
	e.Execute(context.Background(), job)

	got, _ := fake.GetJob(context.Background(), job.ID)
	assert.Equal(t, state.Retryable, got.State)
	assert.True(t, got.ScheduledAt.After(before.Add(30*time.Minute)), "worker-level Backoff override should win over the executor default")
}

func TestExecutor_TimeoutYieldsError(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(worker.Def{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Perform: func(ctx context.Context, j *model.Job) (worker.Result, error) {
			<-ctx.Done()
			return worker.Result{}, nil
		},
	}))

	e, fake := newExecutor(t, reg)
	job, _ := fake.InsertJob(context.Background(), &model.Job{Queue: "default", Worker: "slow", MaxAttempts: 5})
	job.Attempt = 1

	e.Execute(context.Background(), job)

	got, _ := fake.GetJob(context.Background(), job.ID)
	assert.Equal(t, state.Retryable, got.State)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0].Error, "timed out")
}
