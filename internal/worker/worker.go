// Package worker holds the process-wide worker registry and the
// WorkerResult outcome type handlers return.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"izi/internal/model"
)

// DefaultTimeout is applied to a worker that does not set its own.
const DefaultTimeout = 60 * time.Second

// ResultKind is the tag of the four-variant WorkerResult sum type.
type ResultKind int

const (
	KindOK ResultKind = iota
	KindError
	KindCancel
	KindSnooze
)

// Result is the outcome of a single handler invocation. Construct one
// with OK, Error, Cancel, or Snooze.
type Result struct {
	Kind          ResultKind
	Value         any
	Err           error
	CancelReason  string
	SnoozeSeconds int
}

// OK reports a successful attempt. value is telemetry-only and is never
// persisted.
func OK(value any) Result { return Result{Kind: KindOK, Value: value} }

// Error reports a failed attempt that may be retried.
func Error(err error) Result { return Result{Kind: KindError, Err: err} }

// Cancel reports a terminal non-failure outcome.
func Cancel(reason string) Result { return Result{Kind: KindCancel, CancelReason: reason} }

// Snooze reschedules the job `seconds` into the future without consuming
// a failed attempt.
func Snooze(seconds int) Result { return Result{Kind: KindSnooze, SnoozeSeconds: seconds} }

// Isolation describes how a worker's handler must be executed: in an
// isolated OS process rather than directly inside the dispatcher.
type Isolation struct {
	Isolated       bool
	WorkerPath     string
	ResourceLimits map[string]string
}

// Handler is the shape every worker's perform function implements. A
// handler that returns (Result{}, nil) with a zero-value Result is
// treated as OK(nil) by the executor.
type Handler func(ctx context.Context, job *model.Job) (Result, error)

// Def is a registered worker definition.
type Def struct {
	Name        string
	Perform     Handler
	Queue       string
	MaxAttempts int
	Priority    int
	Backoff     func(job *model.Job, attempt int) time.Duration
	Timeout     time.Duration
	Isolation   Isolation
}

func (d Def) timeoutOrDefault() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

// Registry is the process-wide, dynamically-mutable name -> Def table.
// Registration and lookup are safe under concurrent dispatch.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Def
}

// NewRegistry constructs an empty registry. Registries are not required
// to be process-wide singletons; tests may create independent instances.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Def)}
}

// Register adds or replaces the definition for def.Name. Registering the
// same name twice leaves only the newer definition in the registry.
func (r *Registry) Register(def Def) error {
	if def.Name == "" {
		return fmt.Errorf("worker: name must not be empty")
	}
	if def.Perform == nil {
		return fmt.Errorf("worker: %q must have a Perform handler", def.Name)
	}
	if def.Queue == "" {
		def.Queue = "default"
	}
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = 20
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition registered under name, if any.
func (r *Registry) Get(name string) (Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns every registered worker name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	return names
}

// Clear removes every registered worker.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = make(map[string]Def)
}

// Timeout returns the effective timeout for a registered worker, or the
// package default if name is unknown or unset.
func (r *Registry) Timeout(name string) time.Duration {
	if d, ok := r.Get(name); ok {
		return d.timeoutOrDefault()
	}
	return DefaultTimeout
}
