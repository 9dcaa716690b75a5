package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/ledger"
	"github.com/sells-group/stormlead-cli/internal/region"
	"github.com/sells-group/stormlead-cli/internal/window"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var testWindow = window.Window{Start: day(2024, 1, 1), End: day(2024, 2, 15)}

func ky(t *testing.T) region.Region {
	t.Helper()
	r, ok := region.Lookup("KY")
	require.True(t, ok)
	return r
}

// fakeFetcher satisfies Fetcher and records how it was invoked.
type fakeFetcher struct {
	staging string
	rows    int64
	err     error

	calls      int
	gotDataset string
	gotRegion  string
	gotBBox    region.BBox
	gotWindow  window.Window
}

func (f *fakeFetcher) Fetch(_ context.Context, dataset, regionToken string, bbox region.BBox, w window.Window) (string, int64, error) {
	f.calls++
	f.gotDataset = dataset
	f.gotRegion = regionToken
	f.gotBBox = bbox
	f.gotWindow = w
	if f.err != nil {
		return "", 0, f.err
	}
	return f.staging, f.rows, nil
}

func expectExists(mock pgxmock.PgxPoolIface, relation string, exists bool) {
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(relation).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(exists))
}

func expectMark(mock pgxmock.PgxPoolIface, status, lastError string) {
	mock.ExpectExec(`INSERT INTO pipeline.stage_log`).
		WithArgs("nx3hail", "ky", testWindow.Start, testWindow.End, ledger.StageIngest, status, lastError).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func expectFetchPath(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec(`DROP TABLE IF EXISTS "nx3hail_staging_ky_20240101_20240215" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	expectMark(mock, ledger.StatusFetching, "")
	mock.ExpectExec(`ALTER TABLE "nx3hail_staging_ky_20240101_20240215" RENAME TO "nx3hail_ky_20240101_20240215"`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(`ALTER INDEX IF EXISTS "idx_nx3hail_staging_ky_20240101_20240215_geom" RENAME TO "idx_nx3hail_ky_20240101_20240215_geom"`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	expectMark(mock, ledger.StatusPresent, "")
	mock.ExpectExec(`INSERT INTO pipeline.artifacts`).
		WithArgs("raw", "nx3hail", "ky", testWindow.Start, testWindow.End, "nx3hail_ky_20240101_20240215").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestEnsureWindow_FetchesAndPromotes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectExists(mock, "nx3hail_ky_20240101_20240215", false)
	expectFetchPath(mock)

	f := &fakeFetcher{staging: "nx3hail_staging_ky_20240101_20240215", rows: 120}
	stage := NewStage(mock, f, false)

	res, err := stage.EnsureWindow(context.Background(), "nx3hail", ky(t), testWindow)
	require.NoError(t, err)

	assert.Equal(t, "nx3hail_ky_20240101_20240215", res.Relation)
	assert.Equal(t, int64(120), res.Rows)
	assert.False(t, res.Skipped)

	assert.Equal(t, 1, f.calls)
	assert.Equal(t, "nx3hail", f.gotDataset)
	assert.Equal(t, "ky", f.gotRegion)
	assert.Equal(t, ky(t).BBox, f.gotBBox)
	assert.Equal(t, testWindow, f.gotWindow)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureWindow_SkipsExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectExists(mock, "nx3hail_ky_20240101_20240215", true)
	expectMark(mock, ledger.StatusPresent, "")

	f := &fakeFetcher{staging: "nx3hail_staging_ky_20240101_20240215", rows: 120}
	stage := NewStage(mock, f, false)

	res, err := stage.EnsureWindow(context.Background(), "nx3hail", ky(t), testWindow)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, "nx3hail_ky_20240101_20240215", res.Relation)
	assert.Zero(t, f.calls, "skip must make no collaborator calls")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureWindow_RerunAfterSuccessSkips(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// First call: absent, full fetch. Second call: present, skip.
	expectExists(mock, "nx3hail_ky_20240101_20240215", false)
	expectFetchPath(mock)
	expectExists(mock, "nx3hail_ky_20240101_20240215", true)
	expectMark(mock, ledger.StatusPresent, "")

	f := &fakeFetcher{staging: "nx3hail_staging_ky_20240101_20240215", rows: 120}
	stage := NewStage(mock, f, false)

	_, err = stage.EnsureWindow(context.Background(), "nx3hail", ky(t), testWindow)
	require.NoError(t, err)

	res, err := stage.EnsureWindow(context.Background(), "nx3hail", ky(t), testWindow)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, 1, f.calls, "rerun must not refetch a completed window")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureWindow_ForceRefetches(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectExists(mock, "nx3hail_ky_20240101_20240215", true)
	mock.ExpectExec(`DROP TABLE IF EXISTS "nx3hail_ky_20240101_20240215" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	expectFetchPath(mock)

	f := &fakeFetcher{staging: "nx3hail_staging_ky_20240101_20240215", rows: 80}
	stage := NewStage(mock, f, true)

	res, err := stage.EnsureWindow(context.Background(), "nx3hail", ky(t), testWindow)
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, int64(80), res.Rows)
	assert.Equal(t, 1, f.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureWindow_CollaboratorFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectExists(mock, "nx3hail_ky_20240101_20240215", false)
	mock.ExpectExec(`DROP TABLE IF EXISTS "nx3hail_staging_ky_20240101_20240215" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	expectMark(mock, ledger.StatusFetching, "")
	expectMark(mock, ledger.StatusFailed,
		"fetch collaborator failed for nx3hail ky 20240101-20240215: connection refused")

	f := &fakeFetcher{err: errors.New("connection refused")}
	stage := NewStage(mock, f, false)

	_, err = stage.EnsureWindow(context.Background(), "nx3hail", ky(t), testWindow)
	require.Error(t, err)

	assert.True(t, faults.IsCollaborator(err))
	assert.True(t, faults.IsSkippable(err))
	assert.Contains(t, err.Error(), "nx3hail ky 20240101-20240215")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureWindow_PromotionFailureMarksFailed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectExists(mock, "nx3hail_ky_20240101_20240215", false)
	mock.ExpectExec(`DROP TABLE IF EXISTS "nx3hail_staging_ky_20240101_20240215" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	expectMark(mock, ledger.StatusFetching, "")
	mock.ExpectExec(`ALTER TABLE`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectExec(`INSERT INTO pipeline.stage_log`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	f := &fakeFetcher{staging: "nx3hail_staging_ky_20240101_20240215", rows: 10}
	stage := NewStage(mock, f, false)

	_, err = stage.EnsureWindow(context.Background(), "nx3hail", ky(t), testWindow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}
