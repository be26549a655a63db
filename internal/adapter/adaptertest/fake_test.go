package adaptertest

import (
	"context"
	"testing"
	"time"

	"izi/internal/adapter"
	"izi/internal/model"
	"izi/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_FetchJobs_OrderAndClaim(t *testing.T) {
	f := New()
	ctx := context.Background()

	low, _ := f.InsertJob(ctx, &model.Job{Queue: "default", Worker: "A", Priority: 5})
	high, _ := f.InsertJob(ctx, &model.Job{Queue: "default", Worker: "B", Priority: 1})

	jobs, err := f.FetchJobs(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, high.ID, jobs[0].ID)
	assert.Equal(t, low.ID, jobs[1].ID)
	assert.Equal(t, state.Executing, jobs[0].State)
	assert.Equal(t, 1, jobs[0].Attempt)
}

func TestFake_FetchJobs_DisjointBetweenCalls(t *testing.T) {
	f := New()
	ctx := context.Background()
	f.InsertJob(ctx, &model.Job{Queue: "default", Worker: "A"})

	first, err := f.FetchJobs(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.FetchJobs(ctx, "default", 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestFake_RescueStuckJobs(t *testing.T) {
	f := New()
	ctx := context.Background()
	stuck := f.Seed(&model.Job{Queue: "default", State: state.Executing})
	old := time.Now().Add(-time.Hour)
	stuck.AttemptedAt = &old

	n, err := f.RescueStuckJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.GetJob(ctx, stuck.ID)
	assert.Equal(t, state.Available, got.State)
}

func TestFake_CheckUnique_MatchesWorkerQueueArgs(t *testing.T) {
	f := New()
	ctx := context.Background()
	f.Seed(&model.Job{
		Queue: "default", Worker: "SendEmail", State: state.Available,
		Args: map[string]any{"userId": float64(1)}, InsertedAt: time.Now(),
	})

	incoming := &model.Job{Queue: "default", Worker: "SendEmail", Args: map[string]any{"userId": float64(1)}}
	conflict, err := f.CheckUnique(ctx, adapter.UniqueOptions{}, incoming)
	require.NoError(t, err)
	require.NotNil(t, conflict)

	miss := &model.Job{Queue: "default", Worker: "SendEmail", Args: map[string]any{"userId": float64(2)}}
	conflict, err = f.CheckUnique(ctx, adapter.UniqueOptions{}, miss)
	require.NoError(t, err)
	assert.Nil(t, conflict)
}
