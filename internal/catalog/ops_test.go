package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stormlead-cli/internal/faults"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestRelationExists(t *testing.T) {
	mock := newMock(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("nx3hail_ky_20240101_20240215").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := RelationExists(context.Background(), mock, "nx3hail_ky_20240101_20240215")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelationExists_BadIdent(t *testing.T) {
	mock := newMock(t)
	_, err := RelationExists(context.Background(), mock, "bad name;")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid relation identifier")
}

func TestListTables(t *testing.T) {
	mock := newMock(t)

	mock.ExpectQuery(`table_type = 'BASE TABLE' AND table_name LIKE \$1`).
		WithArgs("nx3hail_ky_%").
		WillReturnRows(pgxmock.NewRows([]string{"table_name"}).
			AddRow("nx3hail_ky_20240101_20240215").
			AddRow("nx3hail_ky_20240215_20240331"))

	names, err := ListTables(context.Background(), mock, "nx3hail_ky_%")
	require.NoError(t, err)
	assert.Equal(t, []string{"nx3hail_ky_20240101_20240215", "nx3hail_ky_20240215_20240331"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListViews(t *testing.T) {
	mock := newMock(t)

	mock.ExpectQuery(`information_schema\.views`).
		WithArgs("hail_cluster_boundaries_ky%").
		WillReturnRows(pgxmock.NewRows([]string{"table_name"}).AddRow("hail_cluster_boundaries_ky"))

	names, err := ListViews(context.Background(), mock, "hail_cluster_boundaries_ky%")
	require.NoError(t, err)
	assert.Equal(t, []string{"hail_cluster_boundaries_ky"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGeometryColumn_PrefersGeometry(t *testing.T) {
	mock := newMock(t)

	mock.ExpectQuery(`information_schema\.columns`).
		WithArgs("hail_cluster_boundaries_ky").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("cluster_id").AddRow("geom").AddRow("geometry"))

	col, err := GeometryColumn(context.Background(), mock, "hail_cluster_boundaries_ky")
	require.NoError(t, err)
	assert.Equal(t, "geometry", col)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGeometryColumn_FallsBackToGeom(t *testing.T) {
	mock := newMock(t)

	mock.ExpectQuery(`information_schema\.columns`).
		WithArgs("hail_cluster_boundaries_ky").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("cluster_id").AddRow("geom"))

	col, err := GeometryColumn(context.Background(), mock, "hail_cluster_boundaries_ky")
	require.NoError(t, err)
	assert.Equal(t, "geom", col)
}

func TestGeometryColumn_NeitherPresent(t *testing.T) {
	mock := newMock(t)

	mock.ExpectQuery(`information_schema\.columns`).
		WithArgs("hail_cluster_boundaries_ky").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("cluster_id").AddRow("shape"))

	_, err := GeometryColumn(context.Background(), mock, "hail_cluster_boundaries_ky")
	require.Error(t, err)
	assert.True(t, faults.IsGeometryResolution(err))
	assert.Contains(t, err.Error(), "hail_cluster_boundaries_ky",
		"the diagnostic must name the relation")
}

func TestTimeColumns(t *testing.T) {
	cases := []struct {
		name      string
		cols      []string
		wantStart string
		wantEnd   string
	}{
		{"begin/end pair", []string{"id", "begin_time", "end_time", "geom"}, "begin_time", "end_time"},
		{"start/end pair", []string{"start_time", "end_time"}, "start_time", "end_time"},
		{"swdi btm/etm", []string{"wsr_id", "btm", "etm"}, "btm", "etm"},
		{"single valid", []string{"valid", "geom"}, "valid", ""},
		{"single datetime", []string{"datetime"}, "datetime", ""},
		{"none", []string{"id", "geom"}, "", ""},
		{"pair beats later single", []string{"datetime", "start_time", "end_time"}, "start_time", "end_time"},
		{"incomplete pair skipped", []string{"begin_time", "obs_time"}, "obs_time", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			rows := pgxmock.NewRows([]string{"column_name"})
			for _, c := range tc.cols {
				rows.AddRow(c)
			}
			mock.ExpectQuery(`information_schema\.columns`).
				WithArgs("nx3hail_ky_20240101_20240215").
				WillReturnRows(rows)

			start, end, err := TimeColumns(context.Background(), mock, "nx3hail_ky_20240101_20240215")
			require.NoError(t, err)
			assert.Equal(t, tc.wantStart, start)
			assert.Equal(t, tc.wantEnd, end)
		})
	}
}

func TestIsTimeCandidate(t *testing.T) {
	for _, col := range []string{"begin_time", "end_time", "start_time", "btm", "etm", "valid", "datetime", "obs_time", "time"} {
		assert.True(t, IsTimeCandidate(col), col)
	}
	for _, col := range []string{"ztime", "wsr_id", "geom", ""} {
		assert.False(t, IsTimeCandidate(col), col)
	}
}

func TestRenameRelation_Success(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`ALTER TABLE "nx3hail_staging_ky_20240101_20240215" RENAME TO "nx3hail_ky_20240101_20240215"`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(`ALTER INDEX IF EXISTS "idx_nx3hail_staging_ky_20240101_20240215_geom" RENAME TO "idx_nx3hail_ky_20240101_20240215_geom"`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))

	err := RenameRelation(context.Background(), mock, "nx3hail_staging_ky_20240101_20240215", "nx3hail_ky_20240101_20240215", "geom")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenameRelation_DestinationExists(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`ALTER TABLE "nx3hail_staging_ky_20240101_20240215" RENAME TO`).
		WillReturnError(&pgconn.PgError{Code: "42P07"})

	err := RenameRelation(context.Background(), mock, "nx3hail_staging_ky_20240101_20240215", "nx3hail_ky_20240101_20240215", "geom")
	assert.NoError(t, err, "duplicate destination counts as already done")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenameRelation_SourceGoneDestinationPresent(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`ALTER TABLE "nx3hail_staging_ky_20240101_20240215" RENAME TO`).
		WillReturnError(&pgconn.PgError{Code: "42P01"})
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("nx3hail_ky_20240101_20240215").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := RenameRelation(context.Background(), mock, "nx3hail_staging_ky_20240101_20240215", "nx3hail_ky_20240101_20240215", "geom")
	assert.NoError(t, err, "a concurrent run that already promoted staging counts as done")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenameRelation_SourceGoneDestinationAbsent(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`ALTER TABLE "nx3hail_staging_ky_20240101_20240215" RENAME TO`).
		WillReturnError(&pgconn.PgError{Code: "42P01"})
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("nx3hail_ky_20240101_20240215").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := RenameRelation(context.Background(), mock, "nx3hail_staging_ky_20240101_20240215", "nx3hail_ky_20240101_20240215", "geom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rename nx3hail_staging_ky_20240101_20240215")
}

func TestRenameRelation_OtherError(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`ALTER TABLE`).WillReturnError(errors.New("connection lost"))

	err := RenameRelation(context.Background(), mock, "nx3hail_staging_ky_20240101_20240215", "nx3hail_ky_20240101_20240215", "geom")
	assert.Error(t, err)
}

func TestDropRelation(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`DROP TABLE IF EXISTS "nx3hail_ky_20240101_20240215" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))

	err := DropRelation(context.Background(), mock, "nx3hail_ky_20240101_20240215")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDropViewIfExists(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`DROP VIEW IF EXISTS "hail_cluster_boundaries_ky" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))

	err := DropViewIfExists(context.Background(), mock, "hail_cluster_boundaries_ky")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureGeomIndex(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "idx_hail_cluster_boundaries_ky_20200501_20250501_geom" ON "hail_cluster_boundaries_ky_20200501_20250501" USING GIST \("geom"\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	err := EnsureGeomIndex(context.Background(), mock, "hail_cluster_boundaries_ky_20200501_20250501", "geom")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
