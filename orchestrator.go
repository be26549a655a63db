// Package izi is a database-backed job queue: durable jobs persisted in
// PostgreSQL, MySQL, or SQLite, dispatched to registered workers running
// in this process, with priorities, scheduling, exponential-backoff
// retries, uniqueness constraints, and an isolation pool for CPU-bound
// work.
package izi

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"izi/internal/adapter"
	"izi/internal/adapter/mysql"
	"izi/internal/adapter/postgres"
	"izi/internal/adapter/sqlite"
	"izi/internal/dispatcher"
	"izi/internal/executor"
	"izi/internal/isolation"
	"izi/internal/model"
	"izi/internal/plugin"
	"izi/internal/state"
	"izi/internal/telemetry"
	"izi/internal/worker"

	"golang.org/x/sync/errgroup"
)

// Orchestrator composes every subsystem: the storage adapter, the
// worker registry, one Dispatcher per configured queue, the Stager /
// Rescuer / Pruner plugins, the isolation pool, and the telemetry bus.
// Construct one with New and call Start.
type Orchestrator struct {
	cfg      *Config
	instance string

	adapter  adapter.Adapter
	registry *worker.Registry
	bus      *telemetry.Bus
	pool     *isolation.Pool
	exec     *executor.Executor

	mu          sync.Mutex
	started     bool
	dispatchers map[string]*dispatcher.Dispatcher
	stager      *plugin.Stager
	rescuer     *plugin.Rescuer
	pruner      *plugin.Pruner
	cancel      context.CancelFunc
}

// New rejects a nil cfg, constructs the configured adapter, and wires
// every subsystem. It does not validate cfg's fields; NewConfig does.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("izi: config must not be nil")
	}

	a, err := buildAdapter(cfg)
	if err != nil {
		return nil, err
	}
	return newWithAdapter(cfg, a)
}

// newWithAdapter builds an Orchestrator around a pre-constructed
// adapter, letting tests substitute adaptertest.Fake for a live
// database connection.
func newWithAdapter(cfg *Config, a adapter.Adapter) (*Orchestrator, error) {
	registry := worker.NewRegistry()
	bus := telemetry.New()

	var pool *isolation.Pool
	if cfg.IsolationMaxContexts > 0 {
		pool = isolation.New(cfg.IsolationMinContexts, cfg.IsolationMaxContexts, cfg.IsolationIdleTimeout)
	}

	o := &Orchestrator{
		cfg:         cfg,
		instance:    cfg.Instance,
		adapter:     a,
		registry:    registry,
		bus:         bus,
		pool:        pool,
		exec:        executor.New(a, registry, bus, pool),
		dispatchers: make(map[string]*dispatcher.Dispatcher),
	}

	for _, q := range cfg.Queues {
		o.dispatchers[q.Name] = dispatcher.New(q.Name, q.Limit, q.PollInterval, a, o.exec.Execute, bus)
	}

	return o, nil
}

func buildAdapter(cfg *Config) (adapter.Adapter, error) {
	switch cfg.Driver {
	case Postgres:
		return postgres.New(cfg.DSN)
	case MySQL:
		return mysql.New(cfg.DSN)
	case SQLite:
		return sqlite.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("izi: unsupported storage driver %v", cfg.Driver)
	}
}

// Migrate brings the configured backend's schema up to date. Safe to
// call every time the process starts; already-applied migrations are
// skipped.
func (o *Orchestrator) Migrate(ctx context.Context) error {
	return o.adapter.Migrate(ctx)
}

// Register adds a worker definition to the registry. Workers may be
// registered before or after Start.
func (o *Orchestrator) Register(def worker.Def) error {
	return o.registry.Register(def)
}

// Start constructs the Stager, Rescuer and Pruner plugins and validates
// them; any validation error is returned and nothing is started. It then
// starts every configured Dispatcher before returning, and runs the
// plugins and (for adapters that support it) the Listen wake-up loop
// concurrently via errgroup.WithContext. An error from one of those
// background loops cancels the others and is emitted as a plugin:error
// event, since Start has already returned by then.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)

	o.stager = plugin.NewStager(o.adapter, o.bus, o.cfg.StageInterval, o.dispatchAll)
	o.rescuer = plugin.NewRescuer(o.adapter, o.bus, o.cfg.RescueInterval, o.cfg.RescueAfter)
	o.pruner = plugin.NewPruner(o.adapter, o.bus, o.cfg.PruneInterval, o.cfg.PruneMaxAge)
	verrs := &ValidationErrors{}
	for _, errs := range [][]error{o.stager.Validate(), o.rescuer.Validate(), o.pruner.Validate()} {
		for _, err := range errs {
			verrs.Add(err)
		}
	}
	if verrs.HasErrors() {
		o.mu.Unlock()
		cancel()
		return verrs
	}
	o.cancel = cancel
	o.started = true
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		o.stager.Start(gctx)
		return nil
	})
	g.Go(func() error {
		o.rescuer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		o.pruner.Start(gctx)
		return nil
	})
	for name, d := range o.dispatchers {
		q := findQueue(o.cfg.Queues, name)
		d.Start(gctx, q.Paused)
	}

	g.Go(func() error {
		err := o.adapter.Listen(gctx, func(queue string) {
			if d, ok := o.dispatchers[queue]; ok {
				d.Dispatch()
			}
		})
		if err == adapter.ErrNotifyUnsupported {
			// MySQL/SQLite: no native primitive. Dispatchers fall back
			// to their poll interval and the Stager's broadcast.
			return nil
		}
		return err
	})
	if o.cfg.NotifyBridge != nil {
		o.cfg.NotifyBridge.Subscribe(gctx, func(queue string) {
			if d, ok := o.dispatchers[queue]; ok {
				d.Dispatch()
			}
		})
	}
	if o.cfg.InsertBuffer != nil {
		g.Go(func() error {
			return o.cfg.InsertBuffer.Drain(gctx, o.adapter)
		})
	}

	// Listen returning ErrNotifyUnsupported on MySQL/SQLite is expected,
	// not a startup failure; dispatchers fall back to their poll
	// interval and the Stager's broadcast.
	go func() {
		if err := g.Wait(); err != nil && err != adapter.ErrNotifyUnsupported {
			o.bus.Emit(telemetry.Event{Name: "plugin:error", Error: err})
		}
	}()

	return nil
}

func findQueue(queues []QueueConfig, name string) QueueConfig {
	for _, q := range queues {
		if q.Name == name {
			return q
		}
	}
	return QueueConfig{}
}

func (o *Orchestrator) dispatchAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range o.dispatchers {
		d.Dispatch()
	}
}

// Stop halts every dispatcher and background plugin, waiting up to
// grace for in-flight jobs to finish.
func (o *Orchestrator) Stop(grace time.Duration) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	stager, rescuer, pruner := o.stager, o.rescuer, o.pruner
	dispatchers := make([]*dispatcher.Dispatcher, 0, len(o.dispatchers))
	for _, d := range o.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	o.started = false
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, d := range dispatchers {
		d.Stop(grace)
	}
	if stager != nil {
		stager.Stop()
	}
	if rescuer != nil {
		rescuer.Stop()
	}
	if pruner != nil {
		pruner.Stop()
	}
}

// Shutdown stops every subsystem, tears down the isolation pool, closes
// the adapter, and clears the worker registry. The Orchestrator is not
// usable afterward.
func (o *Orchestrator) Shutdown(grace time.Duration) error {
	o.Stop(grace)
	if o.pool != nil {
		o.pool.Shutdown()
	}
	o.registry.Clear()
	return o.adapter.Close()
}

// InsertOptions configures a single Insert call.
type InsertOptions struct {
	Queue       string
	MaxAttempts int
	Priority    int
	ScheduledAt time.Time
	Tags        []string
	Meta        map[string]any
	Unique      *adapter.UniqueOptions
}

// Insert persists a new job, defaulting queue/max_attempts/priority
// from the registered worker (or the package defaults). When
// WithInsertBuffer is configured, the returned job has not actually
// been written yet — see InsertWithResult.
func (o *Orchestrator) Insert(ctx context.Context, workerName string, args map[string]any, opts InsertOptions) (*model.Job, error) {
	j, _, err := o.InsertWithResult(ctx, workerName, args, opts)
	return j, err
}

// InsertWithResult is Insert plus a conflict flag: when opts.Unique
// matches an existing job, the existing job is returned unmodified with
// conflict=true instead of inserting a duplicate.
//
// When the orchestrator is configured with WithInsertBuffer, the job is
// handed to the buffer instead of written directly, and the returned
// job is the in-memory value passed to it: ID is zero and InsertedAt is
// unset. It is not yet a stored row, and its ID stays zero even after
// the buffer flushes, so GetJob cannot look it up through this value.
// Callers that need the stored row's assigned ID must not rely on this
// return value when buffering is enabled.
func (o *Orchestrator) InsertWithResult(ctx context.Context, workerName string, args map[string]any, opts InsertOptions) (*model.Job, bool, error) {
	def, _ := o.registry.Get(workerName)

	queue := opts.Queue
	if queue == "" {
		queue = def.Queue
	}
	if queue == "" {
		queue = "default"
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = def.MaxAttempts
	}
	if maxAttempts == 0 {
		maxAttempts = 20
	}
	priority := opts.Priority
	if priority == 0 {
		priority = def.Priority
	}

	job := &model.Job{
		Worker:      workerName,
		Queue:       queue,
		State:       state.Initial(opts.ScheduledAt.After(time.Now())),
		Args:        args,
		MaxAttempts: maxAttempts,
		Priority:    priority,
		ScheduledAt: opts.ScheduledAt,
		Tags:        opts.Tags,
		Meta:        opts.Meta,
	}

	if opts.Unique != nil {
		existing, err := o.adapter.CheckUnique(ctx, *opts.Unique, job)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			o.bus.Emit(telemetry.Event{Name: "job:unique_conflict", Queue: queue, Job: existing})
			return existing, true, nil
		}
	}

	if o.cfg.InsertBuffer != nil {
		if err := o.cfg.InsertBuffer.Publish(ctx, job); err != nil {
			return nil, false, err
		}
		return job, false, nil
	}

	inserted, err := o.adapter.InsertJob(ctx, job)
	if err != nil {
		return nil, false, err
	}
	o.notifyInserted(ctx, inserted.Queue)
	return inserted, false, nil
}

// notifyInserted wakes any dispatcher waiting on queue via the adapter's
// native Listen/Notify (Postgres) and, if configured, the Redis bridge
// used by adapters without one. Both are best-effort: a dispatcher that
// misses the wake-up still picks the job up on its next poll tick.
func (o *Orchestrator) notifyInserted(ctx context.Context, queue string) {
	if err := o.adapter.Notify(ctx, queue); err != nil && err != adapter.ErrNotifyUnsupported {
		log.Printf("izi: notify %q: %v", queue, err)
	}
	if o.cfg.NotifyBridge != nil {
		if err := o.cfg.NotifyBridge.Publish(ctx, queue); err != nil {
			log.Printf("izi: notify bridge publish %q: %v", queue, err)
		}
	}
}

// InsertSpec is one job description passed to InsertAll.
type InsertSpec struct {
	Worker string
	Args   map[string]any
	Opts   InsertOptions
}

// InsertAll inserts every job in specs, in order, stopping at the first
// error.
func (o *Orchestrator) InsertAll(ctx context.Context, specs []InsertSpec) ([]*model.Job, error) {
	out := make([]*model.Job, 0, len(specs))
	for _, s := range specs {
		j, err := o.Insert(ctx, s.Worker, s.Args, s.Opts)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (o *Orchestrator) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	j, err := o.adapter.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (o *Orchestrator) CancelJobs(ctx context.Context, filter adapter.CancelFilter) (int, error) {
	return o.adapter.CancelJobs(ctx, filter)
}

// PruneJobs deletes terminal rows older than maxAge, defaulting to
// DefaultManualPruneAge when maxAge is zero.
func (o *Orchestrator) PruneJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultManualPruneAge
	}
	return o.adapter.PruneJobs(ctx, maxAge)
}

// RescueStuckJobs recovers rows stuck in executing past after, defaulting
// to DefaultRescueAfter when after is zero.
func (o *Orchestrator) RescueStuckJobs(ctx context.Context, after time.Duration) (int, error) {
	if after <= 0 {
		after = DefaultRescueAfter
	}
	return o.adapter.RescueStuckJobs(ctx, after)
}

func (o *Orchestrator) dispatcherFor(queue string) (*dispatcher.Dispatcher, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.dispatchers[queue]
	if !ok {
		return nil, ErrUnknownQueue
	}
	return d, nil
}

func (o *Orchestrator) PauseQueue(queue string) error {
	d, err := o.dispatcherFor(queue)
	if err != nil {
		return err
	}
	d.Pause()
	return nil
}

func (o *Orchestrator) ResumeQueue(queue string) error {
	d, err := o.dispatcherFor(queue)
	if err != nil {
		return err
	}
	d.Resume()
	return nil
}

func (o *Orchestrator) ScaleQueue(queue string, newLimit int) error {
	d, err := o.dispatcherFor(queue)
	if err != nil {
		return err
	}
	d.Scale(newLimit)
	return nil
}

func (o *Orchestrator) GetQueueStatus(queue string) (dispatcher.StatusSnapshot, error) {
	d, err := o.dispatcherFor(queue)
	if err != nil {
		return dispatcher.StatusSnapshot{}, err
	}
	return d.StatusSnapshot(), nil
}

func (o *Orchestrator) GetAllQueueStatus() []dispatcher.StatusSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]dispatcher.StatusSnapshot, 0, len(o.dispatchers))
	for _, d := range o.dispatchers {
		out = append(out, d.StatusSnapshot())
	}
	return out
}

// On subscribes handler to a telemetry event name, or telemetry.Wildcard
// for every event.
func (o *Orchestrator) On(name string, handler telemetry.Handler) telemetry.Unsubscribe {
	return o.bus.On(name, handler)
}

// Drain repeatedly stages due rows and forces an immediate fetch-and-claim
// pass on the named queue (every queue, when queueName is empty), until
// every targeted dispatcher reports zero jobs in flight or ctx is
// cancelled. Useful in tests that need to observe a settled queue: unlike
// polling StatusSnapshot on a timer, Sync blocks until the dispatcher has
// actually finished a fetch-and-claim pass, so a job inserted immediately
// beforehand cannot be missed by an idle read that raced the dispatcher's
// own poll timer.
func (o *Orchestrator) Drain(ctx context.Context, queueName string) error {
	targets, err := o.drainTargets(queueName)
	if err != nil {
		return err
	}

	for {
		if _, err := o.adapter.StageJobs(ctx); err != nil {
			return err
		}
		for _, d := range targets {
			if err := d.Sync(ctx); err != nil {
				return err
			}
		}
		if allIdle(targets) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) drainTargets(queueName string) ([]*dispatcher.Dispatcher, error) {
	if queueName != "" {
		d, err := o.dispatcherFor(queueName)
		if err != nil {
			return nil, err
		}
		return []*dispatcher.Dispatcher{d}, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*dispatcher.Dispatcher, 0, len(o.dispatchers))
	for _, d := range o.dispatchers {
		out = append(out, d)
	}
	return out, nil
}

func allIdle(dispatchers []*dispatcher.Dispatcher) bool {
	for _, d := range dispatchers {
		if d.StatusSnapshot().Inflight > 0 {
			return false
		}
	}
	return true
}
