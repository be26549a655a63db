// Package state defines the job state machine: the seven legal states a
// job row may occupy and the transitions permitted between them.
package state

// JobState is one of the seven states a job row may occupy.
type JobState string

const (
	Scheduled JobState = "scheduled"
	Available JobState = "available"
	Executing JobState = "executing"
	Completed JobState = "completed"
	Retryable JobState = "retryable"
	Discarded JobState = "discarded"
	Cancelled JobState = "cancelled"
)

// All lists every legal state, in state-machine order.
var All = []JobState{
	Scheduled, Available, Executing, Completed, Retryable, Discarded, Cancelled,
}

// Terminal states never transition further.
var Terminal = map[JobState]bool{
	Completed: true,
	Discarded: true,
	Cancelled: true,
}

// IsTerminal reports whether s is one of the three terminal states.
func IsTerminal(s JobState) bool {
	return Terminal[s]
}

type transition struct {
	From JobState
	To   JobState
}

// transitions enumerates every legal edge in the state machine.
var transitions = []transition{
	{Scheduled, Available},
	{Scheduled, Cancelled},
	{Available, Executing},
	{Available, Cancelled},
	{Executing, Completed},
	{Executing, Retryable},
	{Executing, Discarded},
	{Executing, Cancelled},
	{Retryable, Available},
	{Retryable, Cancelled},
}

// IsValidTransition reports whether moving a job from `from` to `to` is a
// legal edge in the state machine. Any transition not present here MUST be
// rejected by callers with an invariant-violation error.
func IsValidTransition(from, to JobState) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Initial returns the state a newly-inserted job should start in, given
// whether its scheduled_at lies in the future relative to now.
func Initial(scheduledInFuture bool) JobState {
	if scheduledInFuture {
		return Scheduled
	}
	return Available
}
