package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLog_Record(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	mock.ExpectExec(`INSERT INTO pipeline.run_events`).
		WithArgs(runID, "ky", "ingest", EventSkip, "nx3hail_ky_20240101_20240215 exists").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	log := NewEventLog(mock)
	err = log.Record(context.Background(), runID, "ky", "ingest", EventSkip, "nx3hail_ky_20240101_20240215 exists")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLog_Recent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	note := "2 relations"
	mock.ExpectQuery(`FROM pipeline.run_events`).
		WithArgs("ky", 25).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "run_id", "region", "step", "status", "note", "created_at",
		}).
			AddRow(int64(2), &runID, "ky", "consolidate", EventDone, &note, time.Now()).
			AddRow(int64(1), nil, "ky", "ingest", EventBuild, nil, time.Now().Add(-time.Second)))

	log := NewEventLog(mock)
	events, err := log.Recent(context.Background(), "ky", 25)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, runID, events[0].RunID)
	assert.Equal(t, "2 relations", events[0].Note)
	assert.Equal(t, uuid.Nil, events[1].RunID)
	assert.Empty(t, events[1].Note)
}

func TestEventLog_RecentDefaultLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM pipeline.run_events`).
		WithArgs("", 50).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "run_id", "region", "step", "status", "note", "created_at",
		}))

	log := NewEventLog(mock)
	events, err := log.Recent(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
