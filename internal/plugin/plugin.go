// Package plugin implements the three periodic background loops —
// Stager, Rescuer, Pruner — sharing one lifecycle contract and running
// on a fixed interval rather than a cron schedule.
package plugin

import (
	"context"
	"log"
	"sync"
	"time"

	"izi/internal/adapter"
	"izi/internal/telemetry"
)

// Plugin is the shared lifecycle contract every background loop
// implements.
type Plugin interface {
	Name() string
	Validate() []error
	Start(ctx context.Context)
	Stop()
}

type loop struct {
	name     string
	interval time.Duration
	action   func(ctx context.Context) (int, error)
	bus      *telemetry.Bus
	onCount  func(bus *telemetry.Bus, count int)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (l *loop) Name() string     { return l.name }
func (l *loop) Validate() []error { return nil }

func (l *loop) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				l.tick(loopCtx)
			}
		}
	}()
}

func (l *loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.bus.Emit(telemetry.Event{Name: "plugin:error", Extra: map[string]any{"plugin": l.name, "panic": r}})
		}
	}()

	count, err := l.action(ctx)
	if err != nil {
		log.Printf("plugin(%s): %v", l.name, err)
		l.bus.Emit(telemetry.Event{Name: "plugin:error", Error: err, Extra: map[string]any{"plugin": l.name}})
		return
	}
	if count > 0 && l.onCount != nil {
		l.onCount(l.bus, count)
	}
}

func (l *loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Stager wakes every dispatcher when previously-scheduled jobs become
// available. It always runs; it is not optional in the way Rescuer and
// Pruner are.
type Stager struct {
	*loop
}

// DispatchFunc broadcasts a wake-up to every configured dispatcher.
type DispatchFunc func()

// NewStager runs StageJobs on interval and calls dispatch whenever it
// moved at least one row to available.
func NewStager(a adapter.Adapter, bus *telemetry.Bus, interval time.Duration, dispatch DispatchFunc) *Stager {
	l := &loop{
		name:     "stager",
		interval: interval,
		bus:      bus,
		action: func(ctx context.Context) (int, error) {
			return a.StageJobs(ctx)
		},
		onCount: func(bus *telemetry.Bus, count int) {
			if dispatch != nil {
				dispatch()
			}
		},
	}
	return &Stager{loop: l}
}

// Rescuer periodically recovers jobs stuck in executing past
// rescueAfter, presumably because the process that claimed them died.
type Rescuer struct {
	*loop
}

func NewRescuer(a adapter.Adapter, bus *telemetry.Bus, interval, rescueAfter time.Duration) *Rescuer {
	l := &loop{
		name:     "rescuer",
		interval: interval,
		bus:      bus,
		action: func(ctx context.Context) (int, error) {
			return a.RescueStuckJobs(ctx, rescueAfter)
		},
		onCount: func(bus *telemetry.Bus, count int) {
			bus.Emit(telemetry.Event{Name: "job:rescue", Extra: map[string]any{"count": count, "rescueAfter": rescueAfter}})
		},
	}
	return &Rescuer{loop: l}
}

// Pruner periodically deletes terminal rows older than maxAge.
type Pruner struct {
	*loop
}

func NewPruner(a adapter.Adapter, bus *telemetry.Bus, interval, maxAge time.Duration) *Pruner {
	l := &loop{
		name:     "pruner",
		interval: interval,
		bus:      bus,
		action: func(ctx context.Context) (int, error) {
			return a.PruneJobs(ctx, maxAge)
		},
		onCount: func(bus *telemetry.Bus, count int) {
			bus.Emit(telemetry.Event{Name: "job:complete", Queue: "pruner", Extra: map[string]any{"pruned": count, "maxAge": maxAge}})
		},
	}
	return &Pruner{loop: l}
}

var (
	_ Plugin = (*Stager)(nil)
	_ Plugin = (*Rescuer)(nil)
	_ Plugin = (*Pruner)(nil)
)
