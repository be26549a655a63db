package adapter

import (
	"testing"

	"izi/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestDefaultUniqueOptions(t *testing.T) {
	opts := DefaultUniqueOptions(UniqueOptions{})
	assert.Equal(t, []string{"worker", "queue", "args"}, opts.Fields)
	assert.Equal(t, DefaultUniquePeriod, opts.Period)
	assert.ElementsMatch(t, DefaultUniqueStates, opts.States)
}

func TestArgsMatch_WholeArgs(t *testing.T) {
	opts := DefaultUniqueOptions(UniqueOptions{})
	a := map[string]any{"userId": float64(123), "kind": "welcome"}
	b := map[string]any{"kind": "welcome", "userId": float64(123)}
	assert.True(t, ArgsMatch(opts, a, b))

	c := map[string]any{"userId": float64(456)}
	assert.False(t, ArgsMatch(opts, a, c))
}

func TestArgsMatch_Keys(t *testing.T) {
	opts := UniqueOptions{Fields: []string{"args"}, Keys: []string{"userId"}}
	a := map[string]any{"userId": float64(123), "extra": "ignored-a"}
	b := map[string]any{"userId": float64(123), "extra": "ignored-b"}
	assert.True(t, ArgsMatch(opts, a, b))

	c := map[string]any{"userId": float64(999)}
	assert.False(t, ArgsMatch(opts, a, c))
}

func TestArgsMatch_KeysBothMissingIsEqual(t *testing.T) {
	opts := UniqueOptions{Fields: []string{"args"}, Keys: []string{"missingKey"}}
	a := map[string]any{"other": 1}
	b := map[string]any{"other": 2}
	assert.True(t, ArgsMatch(opts, a, b))
}

func TestMatchesJob(t *testing.T) {
	opts := DefaultUniqueOptions(UniqueOptions{})
	incoming := &model.Job{Worker: "SendEmail", Queue: "default", Args: map[string]any{"userId": float64(123)}}
	candidate := &model.Job{Worker: "SendEmail", Queue: "default", Args: map[string]any{"userId": float64(123)}}
	assert.True(t, MatchesJob(opts, candidate, incoming))

	candidate.Worker = "OtherWorker"
	assert.False(t, MatchesJob(opts, candidate, incoming))
}
