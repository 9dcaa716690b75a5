package consolidate

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
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func expectEnumerate(mock pgxmock.PgxPoolIface, registered, matched []string) {
	regRows := pgxmock.NewRows([]string{"relation"})
	for _, r := range registered {
		regRows.AddRow(r)
	}
	mock.ExpectQuery(`SELECT DISTINCT relation FROM pipeline.artifacts`).
		WithArgs("raw", "nx3hail", "ky").
		WillReturnRows(regRows)

	tblRows := pgxmock.NewRows([]string{"table_name"})
	for _, r := range matched {
		tblRows.AddRow(r)
	}
	mock.ExpectQuery(`table_type = 'BASE TABLE' AND table_name LIKE`).
		WithArgs("nx3hail_ky_%").
		WillReturnRows(tblRows)
}

func expectColumns(mock pgxmock.PgxPoolIface, relation string, cols ...string) {
	rows := pgxmock.NewRows([]string{"column_name"})
	for _, c := range cols {
		rows.AddRow(c)
	}
	mock.ExpectQuery(`SELECT column_name FROM information_schema.columns`).
		WithArgs(relation).
		WillReturnRows(rows)
}

func expectRecord(mock pgxmock.PgxPoolIface, start, end time.Time, view string) {
	mock.ExpectExec(`INSERT INTO pipeline.stage_log`).
		WithArgs("nx3hail", "ky", start, end, ledger.StageConsolidate, ledger.StatusPresent, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO pipeline.artifacts`).
		WithArgs("consolidated", "nx3hail", "ky", start, end, view).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestRebuild_BuildsUnionView(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	start, end := day(2024, 1, 1), day(2024, 3, 31)
	relA := "nx3hail_ky_20240101_20240215"
	relB := "nx3hail_ky_20240215_20240331"

	// Registry knows only relA; the pattern scan finds both plus a table
	// that merely shares the prefix and must be filtered out.
	expectEnumerate(mock, []string{relA}, []string{relA, relB, "nx3hail_ky_scratch"})

	expectColumns(mock, relA, "ztime", "wsr_id", "maxsize", "geom")
	expectColumns(mock, relB, "geom")

	mock.ExpectExec(`DROP VIEW IF EXISTS "nx3hail_ky_20240101_20240331" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(`CREATE OR REPLACE VIEW "nx3hail_ky_20240101_20240331" AS ` +
		`SELECT "ztime", "wsr_id", "maxsize", "geom" FROM "nx3hail_ky_20240101_20240215" ` +
		`UNION ALL ` +
		`SELECT NULL AS "ztime", NULL AS "wsr_id", NULL AS "maxsize", "geom" FROM "nx3hail_ky_20240215_20240331"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	expectRecord(mock, start, end, "nx3hail_ky_20240101_20240331")

	res, err := NewStage(mock).Rebuild(context.Background(), "nx3hail", "ky", start, end)
	require.NoError(t, err)
	assert.Equal(t, "nx3hail_ky_20240101_20240331", res.View)
	assert.Equal(t, []string{relA, relB}, res.Relations)
	assert.False(t, res.Collapsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuild_NoRelations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectEnumerate(mock, nil, nil)

	_, err = NewStage(mock).Rebuild(context.Background(), "nx3hail", "ky", day(2024, 1, 1), day(2024, 3, 31))
	require.Error(t, err)
	assert.True(t, faults.IsDataAbsent(err))
	assert.True(t, faults.IsSkippable(err), "absent data must be skippable, not fatal")
	assert.Contains(t, err.Error(), "no nx3hail source relations for region ky")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuild_SingleWindowCollapses(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// The full range spans one window, so the raw relation name and the
	// view name coincide: no DDL, the relation doubles as the artifact.
	start, end := day(2024, 1, 1), day(2024, 2, 15)
	rel := "nx3hail_ky_20240101_20240215"

	expectEnumerate(mock, []string{rel}, []string{rel})
	expectRecord(mock, start, end, rel)

	res, err := NewStage(mock).Rebuild(context.Background(), "nx3hail", "ky", start, end)
	require.NoError(t, err)
	assert.Equal(t, rel, res.View)
	assert.True(t, res.Collapsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuild_SkipsDroppedRegistryEntry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	start, end := day(2024, 1, 1), day(2024, 3, 31)
	stale := "nx3hail_ky_20230101_20230215"
	live := "nx3hail_ky_20240101_20240215"

	expectEnumerate(mock, []string{stale}, []string{live})
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(stale).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	expectColumns(mock, live, "wsr_id", "geom")

	mock.ExpectExec(`DROP VIEW IF EXISTS "nx3hail_ky_20240101_20240331" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(`CREATE OR REPLACE VIEW "nx3hail_ky_20240101_20240331" AS ` +
		`SELECT "wsr_id", "geom" FROM "nx3hail_ky_20240101_20240215"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	expectRecord(mock, start, end, "nx3hail_ky_20240101_20240331")

	res, err := NewStage(mock).Rebuild(context.Background(), "nx3hail", "ky", start, end)
	require.NoError(t, err)
	assert.Equal(t, []string{live}, res.Relations)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuild_CreateFailureMarksFailed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	start, end := day(2024, 1, 1), day(2024, 3, 31)
	relA := "nx3hail_ky_20240101_20240215"
	relB := "nx3hail_ky_20240215_20240331"

	expectEnumerate(mock, nil, []string{relA, relB})
	expectColumns(mock, relA, "wsr_id", "geom")
	expectColumns(mock, relB, "geom")

	mock.ExpectExec(`DROP VIEW IF EXISTS`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(`CREATE OR REPLACE VIEW`).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectExec(`INSERT INTO pipeline.stage_log`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err = NewStage(mock).Rebuild(context.Background(), "nx3hail", "ky", start, end)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create view nx3hail_ky_20240101_20240331")
	require.NoError(t, mock.ExpectationsWereMet())
}
