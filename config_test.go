package izi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig("worker-1", WithDriver(Postgres, "postgres://x"), WithQueue("default", 5))
	require.NoError(t, err)
	assert.Equal(t, DefaultStageInterval, cfg.StageInterval)
	assert.Equal(t, DefaultRescueInterval, cfg.RescueInterval)
	assert.Equal(t, DefaultPruneMaxAge, cfg.PruneMaxAge)
}

func TestNewConfig_RequiresInstanceDSNAndQueue(t *testing.T) {
	_, err := NewConfig("")
	require.Error(t, err)
	verrs, ok := err.(*ValidationErrors)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(verrs.Errors), 3)
}

func TestWithQueue_ReplacesExistingByName(t *testing.T) {
	cfg, err := NewConfig("worker-1", WithDriver(SQLite, "file::memory:"), WithQueue("default", 5), WithQueue("default", 9))
	require.NoError(t, err)
	require.Len(t, cfg.Queues, 1)
	assert.Equal(t, 9, cfg.Queues[0].Limit)
}

func TestWithQueue_RejectsNonPositiveLimit(t *testing.T) {
	_, err := NewConfig("worker-1", WithDriver(SQLite, "file::memory:"), WithQueue("default", 0))
	require.Error(t, err)
}

func TestWithIsolationPool_ValidatesBounds(t *testing.T) {
	_, err := NewConfig("worker-1", WithDriver(SQLite, "file::memory:"), WithQueue("default", 5), WithIsolationPool(5, 2, time.Second))
	require.Error(t, err)
}

func TestStorageDriver_String(t *testing.T) {
	assert.Equal(t, "postgres", Postgres.String())
	assert.Equal(t, "mysql", MySQL.String())
	assert.Equal(t, "sqlite", SQLite.String())
}
