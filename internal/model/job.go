// Package model holds the data shared across every izi subsystem: the
// persisted Job row and its embedded error records.
package model

import (
	"time"

	"izi/internal/state"
)

// ErrorRecord is one entry in a job's error history, appended once per
// failed attempt.
type ErrorRecord struct {
	At         time.Time `json:"at"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error"`
	Stacktrace string    `json:"stacktrace,omitempty"`
}

// Job is a persisted unit of work, addressed by a monotonically
// increasing integer id.
type Job struct {
	ID     int64          `json:"id"`
	State  state.JobState `json:"state"`
	Queue  string         `json:"queue"`
	Worker string         `json:"worker"`

	Args map[string]any `json:"args"`
	Meta map[string]any `json:"meta"`
	Tags []string        `json:"tags"`

	Errors []ErrorRecord `json:"errors"`

	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
	Priority    int `json:"priority"`

	InsertedAt  time.Time  `json:"inserted_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	AttemptedAt *time.Time `json:"attempted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DiscardedAt *time.Time `json:"discarded_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// TerminalAt returns whichever of the three terminal timestamps is set,
// or the zero time and false if the job is not terminal.
func (j *Job) TerminalAt() (time.Time, bool) {
	switch {
	case j.CompletedAt != nil:
		return *j.CompletedAt, true
	case j.DiscardedAt != nil:
		return *j.DiscardedAt, true
	case j.CancelledAt != nil:
		return *j.CancelledAt, true
	default:
		return time.Time{}, false
	}
}

// Clone returns a deep-enough copy of j suitable for handing to a
// concurrently-running executor without aliasing mutable maps/slices.
func (j *Job) Clone() *Job {
	c := *j
	if j.Args != nil {
		c.Args = make(map[string]any, len(j.Args))
		for k, v := range j.Args {
			c.Args[k] = v
		}
	}
	if j.Meta != nil {
		c.Meta = make(map[string]any, len(j.Meta))
		for k, v := range j.Meta {
			c.Meta[k] = v
		}
	}
	if j.Tags != nil {
		c.Tags = append([]string(nil), j.Tags...)
	}
	if j.Errors != nil {
		c.Errors = append([]ErrorRecord(nil), j.Errors...)
	}
	return &c
}

// Update is a partial patch applied by UpdateJob; nil fields are left
// untouched.
type Update struct {
	State       *state.JobState
	Attempt     *int
	Errors      *[]ErrorRecord
	ScheduledAt *time.Time
	AttemptedAt *time.Time
	CompletedAt *time.Time
	DiscardedAt *time.Time
	CancelledAt *time.Time
	Meta        map[string]any
}

// Apply mutates j in place according to the non-nil fields of u. Meta
// entries are merged (union), not replaced wholesale.
func (u *Update) Apply(j *Job) {
	if u.State != nil {
		j.State = *u.State
	}
	if u.Attempt != nil {
		j.Attempt = *u.Attempt
	}
	if u.Errors != nil {
		j.Errors = *u.Errors
	}
	if u.ScheduledAt != nil {
		j.ScheduledAt = *u.ScheduledAt
	}
	if u.AttemptedAt != nil {
		j.AttemptedAt = u.AttemptedAt
	}
	if u.CompletedAt != nil {
		j.CompletedAt = u.CompletedAt
	}
	if u.DiscardedAt != nil {
		j.DiscardedAt = u.DiscardedAt
	}
	if u.CancelledAt != nil {
		j.CancelledAt = u.CancelledAt
	}
	if u.Meta != nil {
		if j.Meta == nil {
			j.Meta = make(map[string]any, len(u.Meta))
		}
		for k, v := range u.Meta {
			j.Meta[k] = v
		}
	}
}
