package postgres

import (
	"context"
	"testing"
	"time"

	"izi/internal/model"
	"izi/internal/state"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapter_InsertJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := NewWithDB(db)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO izi_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted_at"}).AddRow(int64(42), now))

	j := &model.Job{
		State:       state.Available,
		Queue:       "default",
		Worker:      "SendEmail",
		Args:        map[string]any{"userId": float64(1)},
		MaxAttempts: 20,
		ScheduledAt: now,
	}
	out, err := a.InsertJob(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_FetchJobs_UsesSkipLocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := NewWithDB(db)
	now := time.Now()

	cols := []string{"id", "state", "queue", "worker", "args", "meta", "tags", "errors",
		"attempt", "max_attempts", "priority", "inserted_at", "scheduled_at",
		"attempted_at", "completed_at", "discarded_at", "cancelled_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("default", 5).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(1), "executing", "default", "SendEmail", []byte(`{}`), []byte(`{}`), pqArray(nil), []byte(`[]`),
			1, 20, 0, now, now, &now, nil, nil, nil,
		))
	mock.ExpectCommit()

	jobs, err := a.FetchJobs(context.Background(), "default", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, state.Executing, jobs[0].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_StageJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := NewWithDB(db)
	mock.ExpectExec("UPDATE izi_jobs SET state = 'available'").WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := a.StageJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func pqArray(v []string) interface{} {
	return "{}"
}
