package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/faults"
)

// GeometryCandidates are the geometry column names probed on source
// relations, in preference order.
var GeometryCandidates = []string{"geometry", "geom"}

// timeCandidates are the (start, end) column pairs probed for a relation's
// event time span, in preference order. An empty second name means the
// relation carries a single timestamp.
var timeCandidates = [][2]string{
	{"begin_time", "end_time"},
	{"start_time", "end_time"},
	{"btm", "etm"},
	{"valid", ""},
	{"datetime", ""},
	{"obs_time", ""},
	{"time", ""},
}

// IsTimeCandidate reports whether a column name is one of the probed event
// time-span columns. The fetch collaborator types these as timestamps at load
// time so the span aggregates downstream need no casts.
func IsTimeCandidate(col string) bool {
	for _, pair := range timeCandidates {
		if pair[0] == col || (pair[1] != "" && pair[1] == col) {
			return true
		}
	}
	return false
}

// RelationExists reports whether a table or view with this name exists in the
// public schema.
func RelationExists(ctx context.Context, pool db.Pool, name string) (bool, error) {
	if err := ValidIdent(name); err != nil {
		return false, err
	}
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM information_schema.tables
		   WHERE table_schema = 'public' AND table_name = $1
		 )`, name,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "catalog: probe %s", name)
	}
	return exists, nil
}

// ListTables returns the base tables (no views) in public matching a LIKE
// pattern, ordered by name for deterministic downstream DDL.
func ListTables(ctx context.Context, pool db.Pool, likePattern string) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_type = 'BASE TABLE' AND table_name LIKE $1
		 ORDER BY table_name`, likePattern,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: list tables like %s", likePattern)
	}
	defer rows.Close()
	return scanNames(rows)
}

// ListViews returns the views in public matching a LIKE pattern, ordered by name.
func ListViews(ctx context.Context, pool db.Pool, likePattern string) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT table_name FROM information_schema.views
		 WHERE table_schema = 'public' AND table_name LIKE $1
		 ORDER BY table_name`, likePattern,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: list views like %s", likePattern)
	}
	defer rows.Close()
	return scanNames(rows)
}

func scanNames(rows pgx.Rows) ([]string, error) {
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, eris.Wrap(err, "catalog: scan name")
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ColumnNames returns the column names of a public table or view in ordinal
// order.
func ColumnNames(ctx context.Context, pool db.Pool, relation string) ([]string, error) {
	if err := ValidIdent(relation); err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1
		 ORDER BY ordinal_position`, relation,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: columns of %s", relation)
	}
	defer rows.Close()
	return scanNames(rows)
}

// GeometryColumn resolves which of the expected geometry column names the
// relation actually has. Neither present is a hard failure that names the
// relation; an export must never silently produce an empty result because it
// guessed the column wrong.
func GeometryColumn(ctx context.Context, pool db.Pool, relation string) (string, error) {
	cols, err := ColumnNames(ctx, pool, relation)
	if err != nil {
		return "", err
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	for _, cand := range GeometryCandidates {
		if have[cand] {
			return cand, nil
		}
	}
	return "", &faults.GeometryResolutionError{Relation: relation, Candidates: GeometryCandidates}
}

// TimeColumns resolves the event time-span columns of a relation from the
// candidate list. Both empty (no error) means the relation has no recognized
// time column and timestamps are treated as unknown.
func TimeColumns(ctx context.Context, pool db.Pool, relation string) (string, string, error) {
	cols, err := ColumnNames(ctx, pool, relation)
	if err != nil {
		return "", "", err
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	for _, pair := range timeCandidates {
		if !have[pair[0]] {
			continue
		}
		if pair[1] == "" || have[pair[1]] {
			return pair[0], pair[1], nil
		}
	}
	return "", "", nil
}

// RenameRelation renames a staging relation to its deterministic destination
// and renames the spatial index in lock-step. Conflicts resolve as
// already-done: if the destination exists (another run won the race), that is
// success, and a staging index that is already gone is an acceptable no-op.
func RenameRelation(ctx context.Context, pool db.Pool, from, to, geomCol string) error {
	if err := ValidIdent(from); err != nil {
		return err
	}
	if err := ValidIdent(to); err != nil {
		return err
	}

	log := zap.L().With(
		zap.String("component", "catalog"),
		zap.String("from", from),
		zap.String("to", to),
	)

	renameSQL := fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
		pgx.Identifier{from}.Sanitize(), pgx.Identifier{to}.Sanitize())
	if _, err := pool.Exec(ctx, renameSQL); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "42P07": // destination already exists
				log.Info("rename skipped, destination already exists")
				return nil
			case "42P01": // source gone; done if the destination materialized
				exists, probeErr := RelationExists(ctx, pool, to)
				if probeErr == nil && exists {
					log.Info("rename skipped, staging already promoted")
					return nil
				}
			}
		}
		return eris.Wrapf(err, "catalog: rename %s to %s", from, to)
	}

	idxSQL := fmt.Sprintf("ALTER INDEX IF EXISTS %s RENAME TO %s",
		pgx.Identifier{GeomIndexName(from, geomCol)}.Sanitize(),
		pgx.Identifier{GeomIndexName(to, geomCol)}.Sanitize())
	if _, err := pool.Exec(ctx, idxSQL); err != nil {
		return eris.Wrapf(err, "catalog: rename index for %s", to)
	}

	log.Debug("relation renamed")
	return nil
}

// DropRelation drops a table if it exists, cascading to dependent views.
func DropRelation(ctx context.Context, pool db.Pool, name string) error {
	if err := ValidIdent(name); err != nil {
		return err
	}
	sql := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", pgx.Identifier{name}.Sanitize())
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "catalog: drop table %s", name)
	}
	return nil
}

// DropViewIfExists drops a view if it exists, cascading to dependents.
func DropViewIfExists(ctx context.Context, pool db.Pool, name string) error {
	if err := ValidIdent(name); err != nil {
		return err
	}
	sql := fmt.Sprintf("DROP VIEW IF EXISTS %s CASCADE", pgx.Identifier{name}.Sanitize())
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "catalog: drop view %s", name)
	}
	return nil
}

// ReplaceViewOver (re)points a pass-through view at a relation. Used for the
// stable range-agnostic aliases over dated boundary relations.
func ReplaceViewOver(ctx context.Context, pool db.Pool, view, relation string) error {
	if err := ValidIdent(view); err != nil {
		return err
	}
	if err := ValidIdent(relation); err != nil {
		return err
	}
	sql := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s",
		pgx.Identifier{view}.Sanitize(), pgx.Identifier{relation}.Sanitize())
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "catalog: replace view %s", view)
	}
	return nil
}

// EnsureGeomIndex creates the GiST index for a relation's geometry column if
// it is not already there.
func EnsureGeomIndex(ctx context.Context, pool db.Pool, relation, geomCol string) error {
	if err := ValidIdent(relation); err != nil {
		return err
	}
	if err := ValidIdent(geomCol); err != nil {
		return err
	}
	sql := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (%s)",
		pgx.Identifier{GeomIndexName(relation, geomCol)}.Sanitize(),
		pgx.Identifier{relation}.Sanitize(),
		pgx.Identifier{geomCol}.Sanitize())
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "catalog: ensure geom index on %s", relation)
	}
	return nil
}
