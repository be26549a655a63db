package plugin

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"izi/internal/adapter/adaptertest"
	"izi/internal/model"
	"izi/internal/state"
	"izi/internal/telemetry"

	"github.com/stretchr/testify/assert"
)

func TestStager_DispatchesOnStagedCount(t *testing.T) {
	fake := adaptertest.New()
	fake.Seed(&model.Job{Queue: "default", State: state.Scheduled, ScheduledAt: time.Now().Add(-time.Second)})

	var dispatched int32
	s := NewStager(fake, telemetry.New(), 5*time.Millisecond, func() { atomic.AddInt32(&dispatched, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	assertEventually(t, func() bool { return atomic.LoadInt32(&dispatched) > 0 })
}

func TestRescuer_EmitsJobRescue(t *testing.T) {
	fake := adaptertest.New()
	stuck := fake.Seed(&model.Job{Queue: "default", State: state.Executing})
	old := time.Now().Add(-time.Hour)
	stuck.AttemptedAt = &old

	bus := telemetry.New()
	var got int32
	bus.On("job:rescue", func(ev telemetry.Event) { atomic.AddInt32(&got, 1) })

	r := NewRescuer(fake, bus, 5*time.Millisecond, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	assertEventually(t, func() bool { return atomic.LoadInt32(&got) > 0 })
}

func TestPruner_EmitsOnlyWhenNonzero(t *testing.T) {
	fake := adaptertest.New()
	bus := telemetry.New()
	var got int32
	bus.On("job:complete", func(ev telemetry.Event) { atomic.AddInt32(&got, 1) })

	p := NewPruner(fake, bus, 5*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&got))
}

func assertEventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
