// Package executor implements the lifecycle executor: given a single
// claimed job, run its handler and persist the outcome, mapping the
// four-variant worker.Result outcome to the retry/backoff/discard state
// transition.
package executor

import (
	"context"
	"fmt"
	"time"

	"izi/internal/adapter"
	"izi/internal/backoff"
	"izi/internal/isolation"
	"izi/internal/model"
	"izi/internal/state"
	"izi/internal/telemetry"
	"izi/internal/worker"
)

// Executor runs one job at a time through a registered worker's
// handler and writes the resulting state transition back through the
// adapter.
type Executor struct {
	Adapter  adapter.Adapter
	Registry *worker.Registry
	Bus      *telemetry.Bus
	Pool     *isolation.Pool // optional; nil disables isolated execution
	Backoff  func(job *model.Job, attempt int) time.Duration
}

// New constructs an Executor. pool may be nil if no worker in the
// registry uses isolation.
func New(a adapter.Adapter, reg *worker.Registry, bus *telemetry.Bus, pool *isolation.Pool) *Executor {
	return &Executor{Adapter: a, Registry: reg, Bus: bus, Pool: pool, Backoff: func(job *model.Job, attempt int) time.Duration {
		return backoff.Default(attempt)
	}}
}

func (e *Executor) emit(name string, job *model.Job, extra map[string]any) {
	if e.Bus == nil {
		return
	}
	e.Bus.Emit(telemetry.Event{Name: name, Queue: job.Queue, Job: job, Extra: extra})
}

// Execute runs job to completion. It never returns an error: every
// failure mode, including a write failure at the end, is converted into
// an error outcome for this job and logged via telemetry so the
// dispatcher's caller goroutine can simply move on.
func (e *Executor) Execute(ctx context.Context, job *model.Job) {
	start := time.Now()
	e.emit("job:start", job, nil)

	def, ok := e.Registry.Get(job.Worker)
	if !ok {
		e.finish(ctx, job, def, start, worker.Error(fmt.Errorf("worker %q not registered", job.Worker)))
		return
	}

	result := e.run(ctx, job, def)
	e.finish(ctx, job, def, start, result)
}

func (e *Executor) run(ctx context.Context, job *model.Job, def worker.Def) worker.Result {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = worker.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res worker.Result
		err error
	}
	resultCh := make(chan outcome, 1)

	if def.Isolation.Isolated {
		go func() {
			if e.Pool == nil {
				resultCh <- outcome{res: worker.Error(fmt.Errorf("worker %q requires isolation but no pool is configured", job.Worker))}
				return
			}
			res, err := e.Pool.Run(runCtx, def, job)
			resultCh <- outcome{res: res, err: err}
		}()
	} else {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					resultCh <- outcome{res: worker.Error(fmt.Errorf("panic: %v", r))}
				}
			}()
			res, err := def.Perform(runCtx, job)
			resultCh <- outcome{res: res, err: err}
		}()
	}

	select {
	case out := <-resultCh:
		if out.err != nil {
			return worker.Error(out.err)
		}
		if out.res.Kind == 0 && out.res.Value == nil && out.res.Err == nil {
			return worker.OK(nil)
		}
		return out.res
	case <-runCtx.Done():
		// The handler goroutine is deliberately abandoned here for
		// non-isolated workers; only the Isolation Pool forcibly kills
		// its execution context on timeout.
		return worker.Error(fmt.Errorf("timed out after %dms", timeout.Milliseconds()))
	}
}

func (e *Executor) finish(ctx context.Context, job *model.Job, def worker.Def, start time.Time, result worker.Result) {
	now := time.Now()
	duration := now.Sub(start)

	u := &model.Update{}
	var eventName string
	var extra map[string]any

	switch result.Kind {
	case worker.KindOK:
		completed := state.Completed
		u.State = &completed
		u.CompletedAt = &now
		eventName = "job:complete"
		extra = map[string]any{"result": result.Value}

	case worker.KindError:
		rec := formatError(result.Err, job.Attempt)
		errs := append(append([]model.ErrorRecord(nil), job.Errors...), rec)
		u.Errors = &errs

		if job.Attempt >= job.MaxAttempts {
			discarded := state.Discarded
			u.State = &discarded
			u.DiscardedAt = &now
			extra = map[string]any{"terminal": true, "error": result.Err}
		} else {
			retryable := state.Retryable
			delay := e.backoffFor(job, def)
			scheduled := now.Add(delay)
			u.State = &retryable
			u.ScheduledAt = &scheduled
			extra = map[string]any{"terminal": false, "error": result.Err}
		}
		eventName = "job:error"

	case worker.KindCancel:
		rec := formatError(fmt.Errorf("cancelled: %s", result.CancelReason), job.Attempt)
		errs := append(append([]model.ErrorRecord(nil), job.Errors...), rec)
		u.Errors = &errs
		cancelled := state.Cancelled
		u.State = &cancelled
		u.CancelledAt = &now
		eventName = "job:cancel"
		extra = map[string]any{"reason": result.CancelReason}

	case worker.KindSnooze:
		scheduled := state.Scheduled
		delay := time.Duration(result.SnoozeSeconds) * time.Second
		scheduledAt := now.Add(delay)
		u.State = &scheduled
		u.ScheduledAt = &scheduledAt
		u.Meta = map[string]any{"snoozedAt": now.UTC().Format(time.RFC3339)}
		eventName = "job:snooze"
		extra = map[string]any{"seconds": result.SnoozeSeconds}
	}

	if _, err := e.Adapter.UpdateJob(ctx, job.ID, u); err != nil {
		// The write itself failed; surface it via telemetry rather than
		// letting the dispatcher goroutine die.
		e.emit("job:error", job, map[string]any{"terminal": false, "error": err, "duringPersist": true})
		return
	}

	if extra == nil {
		extra = map[string]any{}
	}
	extra["duration"] = duration
	e.emit(eventName, job, extra)
}

// backoffFor prefers a worker's own Backoff override over the
// Executor-level default.
func (e *Executor) backoffFor(job *model.Job, def worker.Def) time.Duration {
	if def.Backoff != nil {
		return def.Backoff(job, job.Attempt)
	}
	if e.Backoff != nil {
		return e.Backoff(job, job.Attempt)
	}
	return backoff.Default(job.Attempt)
}

func formatError(err error, attempt int) model.ErrorRecord {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return model.ErrorRecord{
		At:      time.Now(),
		Attempt: attempt,
		Error:   msg,
	}
}
