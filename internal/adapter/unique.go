package adapter

import (
	"encoding/json"
	"sort"
	"time"

	"izi/internal/model"
	"izi/internal/state"
)

// DefaultUniquePeriod is the default lookback window for CheckUnique.
const DefaultUniquePeriod = 60 * time.Second

// DefaultUniqueStates are the states CheckUnique considers a conflict by
// default.
var DefaultUniqueStates = []state.JobState{
	state.Available, state.Scheduled, state.Executing, state.Retryable,
}

// DefaultUniqueOptions fills in unset fields with their defaults.
func DefaultUniqueOptions(opts UniqueOptions) UniqueOptions {
	if len(opts.Fields) == 0 {
		opts.Fields = []string{"worker", "queue", "args"}
	}
	if len(opts.States) == 0 {
		opts.States = append([]state.JobState(nil), DefaultUniqueStates...)
	}
	if opts.Period == 0 && !opts.Infinite {
		opts.Period = DefaultUniquePeriod
	}
	return opts
}

// hasField reports whether name is one of opts.Fields.
func hasField(opts UniqueOptions, name string) bool {
	for _, f := range opts.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// ArgsMatch implements the args-equality half of CheckUnique: whole-canonical-JSON equality when no Keys are given, or
// per-key equality (missing==missing) when Keys are given.
func ArgsMatch(opts UniqueOptions, candidate, incoming map[string]any) bool {
	if !hasField(opts, "args") {
		return true
	}
	if len(opts.Keys) == 0 {
		return canonicalJSON(candidate) == canonicalJSON(incoming)
	}
	for _, k := range opts.Keys {
		cv, cok := candidate[k]
		iv, iok := incoming[k]
		if !cok && !iok {
			continue
		}
		if cok != iok {
			return false
		}
		if canonicalJSON(cv) != canonicalJSON(iv) {
			return false
		}
	}
	return true
}

func canonicalJSON(v any) string {
	b, err := json.Marshal(normalize(v))
	if err != nil {
		return ""
	}
	return string(b)
}

// normalize sorts map keys deterministically by round-tripping through a
// structure whose json.Marshal output is stable (Go already sorts
// map[string]any keys during encoding, so this mostly exists to make
// the sort explicit and documented).
func normalize(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		out[k] = normalize(m[k])
	}
	return out
}

// MatchesJob reports whether candidate is a uniqueness conflict for the
// job about to be inserted, applying the worker/queue/args comparison
// portion of CheckUnique. Callers are responsible for the state/period
// SQL predicates, which are engine-specific.
func MatchesJob(opts UniqueOptions, candidate, incoming *model.Job) bool {
	if hasField(opts, "worker") && candidate.Worker != incoming.Worker {
		return false
	}
	if hasField(opts, "queue") && candidate.Queue != incoming.Queue {
		return false
	}
	return ArgsMatch(opts, candidate.Args, incoming.Args)
}
