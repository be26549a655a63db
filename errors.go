package izi

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the public API. Callers use errors.Is to
// distinguish them from adapter-level failures.
var (
	ErrJobNotFound        = errors.New("izi: job not found")
	ErrUnknownWorker      = errors.New("izi: no worker registered for this name")
	ErrUnknownQueue       = errors.New("izi: no such queue configured")
	ErrInvalidTransition  = errors.New("izi: illegal state transition")
	ErrCorruptedRow       = errors.New("izi: persisted row failed to decode")
	ErrDuplicateJob       = errors.New("izi: a matching unique job already exists")
	ErrNotStarted         = errors.New("izi: orchestrator has not been started")
	ErrAlreadyStarted     = errors.New("izi: orchestrator is already started")
)

// ValidationErrors aggregates every configuration problem found by NewConfig,
// so callers see the whole list instead of failing one field at a time.
type ValidationErrors struct {
	Errors []error
}

func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

func (v *ValidationErrors) Addf(format string, args ...any) {
	v.Add(fmt.Errorf(format, args...))
}

func (v *ValidationErrors) HasErrors() bool { return len(v.Errors) > 0 }

func (v *ValidationErrors) Error() string {
	msgs := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		msgs[i] = e.Error()
	}
	return "izi: invalid configuration: " + strings.Join(msgs, "; ")
}

// AsValidationErrors returns nil unless v carries at least one error,
// letting constructors write `return nil, v.AsValidationErrors()`.
func (v *ValidationErrors) AsValidationErrors() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}
