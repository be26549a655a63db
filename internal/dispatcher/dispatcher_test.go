package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"izi/internal/adapter/adaptertest"
	"izi/internal/model"
	"izi/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_ClaimsUpToLimit(t *testing.T) {
	fake := adaptertest.New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		fake.InsertJob(ctx, &model.Job{Queue: "default", Worker: "noop"})
	}

	var executed int32
	var wg sync.WaitGroup
	wg.Add(3)
	exec := func(ctx context.Context, j *model.Job) {
		atomic.AddInt32(&executed, 1)
		wg.Done()
	}

	d := New("default", 3, 10*time.Millisecond, fake, exec, telemetry.New())
	d.Start(ctx, false)
	defer d.Stop(time.Second)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for 3 executions")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&executed), int32(3))
}

func TestDispatcher_PauseStopsPolling(t *testing.T) {
	fake := adaptertest.New()
	ctx := context.Background()

	var executed int32
	exec := func(ctx context.Context, j *model.Job) { atomic.AddInt32(&executed, 1) }

	d := New("default", 3, 5*time.Millisecond, fake, exec, telemetry.New())
	d.Start(ctx, false)
	d.Pause()
	defer d.Stop(time.Second)

	fake.InsertJob(ctx, &model.Job{Queue: "default", Worker: "noop"})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&executed))
}

// failingFetch wraps the fake so every FetchJobs call fails, the way an
// unreachable database would.
type failingFetch struct {
	*adaptertest.Fake
	calls *int32
}

func (f failingFetch) FetchJobs(ctx context.Context, queue string, limit int) ([]*model.Job, error) {
	atomic.AddInt32(f.calls, 1)
	return nil, errors.New("database unreachable")
}

func TestDispatcher_FetchFailureDoesNotCrashLoop(t *testing.T) {
	var calls int32
	failing := failingFetch{Fake: adaptertest.New(), calls: &calls}
	ctx := context.Background()

	exec := func(ctx context.Context, j *model.Job) {}
	d := New("default", 3, 5*time.Millisecond, failing, exec, telemetry.New())
	d.Start(ctx, false)
	defer d.Stop(time.Second)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, Running, d.StatusSnapshot().Status)
	assert.Greater(t, atomic.LoadInt32(&calls), int32(1), "the loop keeps polling after a failed fetch")
}

func TestDispatcher_ScaleTakesEffectNextTick(t *testing.T) {
	fake := adaptertest.New()
	d := New("default", 2, time.Second, fake, func(context.Context, *model.Job) {}, telemetry.New())
	d.Scale(9)
	assert.Equal(t, 9, d.StatusSnapshot().Limit)
}

func TestDispatcher_StopWaitsForInFlightJob(t *testing.T) {
	fake := adaptertest.New()
	ctx := context.Background()
	fake.InsertJob(ctx, &model.Job{Queue: "default", Worker: "noop"})

	started := make(chan struct{})
	release := make(chan struct{})
	var finished int32
	exec := func(ctx context.Context, j *model.Job) {
		close(started)
		<-release
		atomic.AddInt32(&finished, 1)
	}

	d := New("default", 1, 5*time.Millisecond, fake, exec, telemetry.New())
	d.Start(ctx, false)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	stopDone := make(chan struct{})
	go func() {
		d.Stop(time.Second)
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("Stop never returned after the job finished")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestDispatcher_StopAbandonsJobPastGrace(t *testing.T) {
	fake := adaptertest.New()
	ctx := context.Background()
	fake.InsertJob(ctx, &model.Job{Queue: "default", Worker: "noop"})

	started := make(chan struct{})
	release := make(chan struct{})
	exec := func(ctx context.Context, j *model.Job) {
		close(started)
		<-release
	}
	defer close(release)

	d := New("default", 1, 5*time.Millisecond, fake, exec, telemetry.New())
	d.Start(ctx, false)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	stopDone := make(chan struct{})
	go func() {
		d.Stop(20 * time.Millisecond)
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("Stop never returned once grace elapsed")
	}
}

func TestDispatcher_StopDoesNotCancelInFlightJobContext(t *testing.T) {
	fake := adaptertest.New()
	ctx := context.Background()
	fake.InsertJob(ctx, &model.Job{Queue: "default", Worker: "noop"})

	started := make(chan struct{})
	var sawCancel int32
	exec := func(jobCtx context.Context, j *model.Job) {
		close(started)
		<-time.After(50 * time.Millisecond)
		if jobCtx.Err() != nil {
			atomic.StoreInt32(&sawCancel, 1)
		}
	}

	d := New("default", 1, 5*time.Millisecond, fake, exec, telemetry.New())
	d.Start(ctx, false)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	d.Stop(time.Second)
	assert.Equal(t, int32(0), atomic.LoadInt32(&sawCancel), "Stop must not cancel a job's context while it is still running")
}

func TestDispatcher_SyncForcesImmediateFetch(t *testing.T) {
	fake := adaptertest.New()
	ctx := context.Background()

	executed := make(chan struct{}, 1)
	exec := func(ctx context.Context, j *model.Job) {
		executed <- struct{}{}
	}

	d := New("default", 1, time.Hour, fake, exec, telemetry.New())
	d.Start(ctx, false)
	defer d.Stop(time.Second)

	fake.InsertJob(ctx, &model.Job{Queue: "default", Worker: "noop"})

	require.NoError(t, d.Sync(ctx))

	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("Sync returned without the waiting job having been fetched")
	}
}

func TestDispatcher_SyncRespectsContextWhenNeverStarted(t *testing.T) {
	fake := adaptertest.New()
	exec := func(ctx context.Context, j *model.Job) {}
	d := New("default", 1, time.Hour, fake, exec, telemetry.New())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Sync(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
