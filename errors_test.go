package izi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrors_AsValidationErrors(t *testing.T) {
	v := &ValidationErrors{}
	assert.Nil(t, v.AsValidationErrors())

	v.Addf("bad %s", "thing")
	assert.NotNil(t, v.AsValidationErrors())
	assert.Contains(t, v.Error(), "bad thing")
}

func TestValidationErrors_AddIgnoresNil(t *testing.T) {
	v := &ValidationErrors{}
	v.Add(nil)
	assert.False(t, v.HasErrors())
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrJobNotFound, ErrUnknownQueue))
}
