// Package dispatcher implements the per-queue poll loop: each tick
// computes "available = limit - inflight" and fetches at most that many
// jobs, since fetch-and-claim already bounds concurrency at the
// database.
package dispatcher

import (
	"context"
	"log"
	"sync"
	"time"

	"izi/internal/adapter"
	"izi/internal/model"
	"izi/internal/telemetry"
)

// Status is one of the three states a Dispatcher may occupy.
type Status int

const (
	Stopped Status = iota
	Running
	Paused
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Execute runs job to completion and persists its outcome. The
// dispatcher does not know how a job is executed; that is the
// executor's job.
type Execute func(ctx context.Context, job *model.Job)

// Dispatcher polls one queue, keeping up to Limit executions in flight.
type Dispatcher struct {
	Queue        string
	Limit        int
	PollInterval time.Duration

	adapter adapter.Adapter
	execute Execute
	bus     *telemetry.Bus

	mu       sync.Mutex
	status   Status
	inflight int
	jobs     sync.WaitGroup
	cancel   context.CancelFunc
	wake     chan struct{}
	sync     chan chan struct{}
	done     chan struct{}
}

// New constructs a Dispatcher for queue, bound to a.
func New(queueName string, limit int, pollInterval time.Duration, a adapter.Adapter, execute Execute, bus *telemetry.Bus) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Dispatcher{
		Queue:        queueName,
		Limit:        limit,
		PollInterval: pollInterval,
		adapter:      a,
		execute:      execute,
		bus:          bus,
		wake:         make(chan struct{}, 1),
		sync:         make(chan chan struct{}),
	}
}

func (d *Dispatcher) emit(name string, extra map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Emit(telemetry.Event{Name: name, Queue: d.Queue, Extra: extra})
}

// Start transitions stopped -> running (or -> paused when startPaused is
// true) and launches the poll loop goroutine.
func (d *Dispatcher) Start(ctx context.Context, startPaused bool) {
	d.mu.Lock()
	if d.status != Stopped {
		d.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	if startPaused {
		d.status = Paused
	} else {
		d.status = Running
	}
	d.mu.Unlock()

	d.emit("queue:start", nil)
	go d.loop(loopCtx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	timer := time.NewTimer(d.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.tick(ctx)
			timer.Reset(d.PollInterval)
		case <-d.wake:
			d.tick(ctx)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(d.PollInterval)
		case reply := <-d.sync:
			d.tick(ctx)
			close(reply)
		}
	}
}

// Dispatch wakes the poll loop immediately instead of waiting for the
// next timer tick.
func (d *Dispatcher) Dispatch() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Sync forces one tick to run and blocks until it has returned, so a
// caller observing StatusSnapshot afterward sees the effect of that
// tick rather than racing the poll timer. Returns ctx.Err() if ctx is
// cancelled before the loop accepts or completes the request; callers
// against a Dispatcher that was never started should pass a ctx with a
// deadline, since the request is never accepted.
func (d *Dispatcher) Sync(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case d.sync <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	d.mu.Lock()
	if d.status != Running {
		d.mu.Unlock()
		return
	}
	available := d.Limit - d.inflight
	d.mu.Unlock()

	if available <= 0 {
		return
	}

	jobs, err := d.adapter.FetchJobs(ctx, d.Queue, available)
	if err != nil {
		log.Printf("dispatcher(%s): fetch failed: %v", d.Queue, err)
		return
	}

	for _, j := range jobs {
		d.mu.Lock()
		d.inflight++
		d.mu.Unlock()
		d.jobs.Add(1)

		// Detached from ctx: Stop cancels the poll loop's ctx to stop
		// scheduling new fetches, but an in-flight job's own deadline (if
		// any) is the executor's concern, not the loop's. Only the
		// time.After(grace) race in Stop should bound how long a job gets
		// to finish once it has already started.
		jobCtx := context.WithoutCancel(ctx)
		go func(job *model.Job) {
			defer d.jobs.Done()
			defer func() {
				d.mu.Lock()
				d.inflight--
				d.mu.Unlock()
			}()
			d.execute(jobCtx, job)
		}(j)
	}
}

// Pause stops scheduling new polls without touching in-flight jobs.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	if d.status != Running {
		d.mu.Unlock()
		return
	}
	d.status = Paused
	d.mu.Unlock()
	d.emit("queue:pause", nil)
}

// Resume re-arms polling.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	if d.status != Paused {
		d.mu.Unlock()
		return
	}
	d.status = Running
	d.mu.Unlock()
	d.emit("queue:resume", nil)
	d.Dispatch()
}

// Scale changes limit in place; jobs already inflight are unaffected,
// the new limit is observed on the next tick.
func (d *Dispatcher) Scale(newLimit int) {
	d.mu.Lock()
	d.Limit = newLimit
	d.mu.Unlock()
}

// Stop cancels the poll loop, then waits up to grace for every job the
// loop already spawned to finish; jobs still running when grace elapses
// are abandoned in the executing state for the Rescuer to recover later.
func (d *Dispatcher) Stop(grace time.Duration) {
	d.mu.Lock()
	if d.status == Stopped {
		d.mu.Unlock()
		return
	}
	d.status = Stopped
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		// The loop goroutine itself returns as soon as ctx is cancelled,
		// independent of any job it already spawned; waiting for it here
		// only sequences against Start, not against in-flight work.
		<-done
	}

	jobsDone := make(chan struct{})
	go func() {
		d.jobs.Wait()
		close(jobsDone)
	}()
	select {
	case <-jobsDone:
	case <-time.After(grace):
	}
	d.emit("queue:stop", nil)
}

// StatusSnapshot reports the dispatcher's current status and inflight
// count without racing Start/Stop.
type StatusSnapshot struct {
	Queue    string
	Status   Status
	Limit    int
	Inflight int
}

func (d *Dispatcher) StatusSnapshot() StatusSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return StatusSnapshot{Queue: d.Queue, Status: d.status, Limit: d.Limit, Inflight: d.inflight}
}
