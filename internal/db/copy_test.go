package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "nx3hail_staging", []string{"event_id", "geom"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"nx3hail_staging"}, []string{"event_id", "geom"}).WillReturnResult(3)

	rows := [][]any{{1, "pt"}, {2, "pt"}, {3, "pt"}}
	n, err := CopyFrom(context.Background(), mock, "nx3hail_staging", []string{"event_id", "geom"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"nx3hail_staging"}, []string{"event_id"}).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{1}}
	_, err = CopyFrom(context.Background(), mock, "nx3hail_staging", []string{"event_id"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO nx3hail_staging")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFromSchema_EmptyRows(t *testing.T) {
	n, err := CopyFromSchema(context.TODO(), nil, "pipeline", "run_events", []string{"region"}, [][]any{})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFromSchema_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"pipeline", "run_events"}, []string{"region", "step"}).WillReturnResult(5)

	rows := [][]any{{"ky", "fetch"}, {"ky", "combine"}, {"ga", "fetch"}, {"ga", "combine"}, {"oh", "fetch"}}
	n, err := CopyFromSchema(context.Background(), mock, "pipeline", "run_events", []string{"region", "step"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFromSchema_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"pipeline", "run_events"}, []string{"region"}).WillReturnError(fmt.Errorf("permission denied"))

	rows := [][]any{{"ky"}}
	_, err = CopyFromSchema(context.Background(), mock, "pipeline", "run_events", []string{"region"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO pipeline.run_events")
	assert.NoError(t, mock.ExpectationsWereMet())
}
