// Package consolidate (re)builds the per-region consolidated view as a UNION
// ALL over the raw per-window relations. The view is replaced wholesale on
// every rebuild, so it self-heals as windows are ingested or torn down.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/catalog"
	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/ledger"
	"github.com/sells-group/stormlead-cli/internal/window"
)

// Stage rebuilds consolidated views and records them in the ledgers.
type Stage struct {
	pool      db.Pool
	stages    *ledger.StageLog
	artifacts *ledger.ArtifactRegistry
}

// NewStage wires a consolidation stage.
func NewStage(pool db.Pool) *Stage {
	return &Stage{
		pool:      pool,
		stages:    ledger.NewStageLog(pool),
		artifacts: ledger.NewArtifactRegistry(pool),
	}
}

// Result reports one region's consolidation outcome.
type Result struct {
	View      string
	Relations []string
	// Collapsed marks the single-window degenerate case where the raw
	// relation's name and the view name coincide; the raw relation itself
	// serves as the consolidated artifact.
	Collapsed bool
}

// Rebuild enumerates the raw relations for (dataset, region) and replaces the
// region's consolidated view over them. No relations at all is a
// DataAbsentError: the region is skipped downstream, not fatal to the run.
func (s *Stage) Rebuild(ctx context.Context, dataset, regionToken string, start, end time.Time) (Result, error) {
	viewName := catalog.ConsolidatedView(dataset, regionToken, start, end)
	if err := catalog.ValidIdent(viewName); err != nil {
		return Result{}, err
	}

	log := zap.L().With(
		zap.String("component", "consolidate"),
		zap.String("dataset", dataset),
		zap.String("region", regionToken),
		zap.String("view", viewName),
	)

	relations, err := s.enumerate(ctx, dataset, regionToken)
	if err != nil {
		return Result{}, err
	}
	if len(relations) == 0 {
		return Result{}, &faults.DataAbsentError{Dataset: dataset, Region: regionToken}
	}

	rangeWindow := window.Window{Start: start, End: end}

	// Degenerate case: the range spans exactly one window, so the raw
	// relation already carries the consolidated name. A view over itself is
	// impossible; the relation itself is the consolidated artifact.
	if len(relations) == 1 && relations[0] == viewName {
		log.Info("single window covers the range, raw relation serves as consolidated view")
		if err := s.record(ctx, dataset, regionToken, rangeWindow, viewName); err != nil {
			return Result{}, err
		}
		return Result{View: viewName, Relations: relations, Collapsed: true}, nil
	}

	sql, err := s.buildViewSQL(ctx, viewName, relations)
	if err != nil {
		return Result{}, err
	}

	// Dropped first because CREATE OR REPLACE cannot change the column set
	// when source fields drift between rebuilds.
	if err := catalog.DropViewIfExists(ctx, s.pool, viewName); err != nil {
		return Result{}, err
	}
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		wrapped := eris.Wrapf(err, "consolidate: create view %s", viewName)
		if markErr := s.stages.Mark(ctx, dataset, regionToken, rangeWindow, ledger.StageConsolidate, ledger.StatusFailed, wrapped.Error()); markErr != nil {
			log.Warn("failed to record consolidation failure", zap.Error(markErr))
		}
		return Result{}, wrapped
	}

	if err := s.record(ctx, dataset, regionToken, rangeWindow, viewName); err != nil {
		return Result{}, err
	}

	log.Info("consolidated view rebuilt", zap.Int("relations", len(relations)))
	return Result{View: viewName, Relations: relations}, nil
}

// enumerate returns the raw relations for (dataset, region), sorted by name:
// the union of the typed registry and catalog-pattern matches, deduplicated.
// Pattern matching catches relations created before the registry existed;
// registry entries whose relation has since been dropped are skipped.
func (s *Stage) enumerate(ctx context.Context, dataset, regionToken string) ([]string, error) {
	registered, err := s.artifacts.Relations(ctx, catalog.KindRaw, dataset, regionToken)
	if err != nil {
		return nil, err
	}
	matched, err := catalog.ListTables(ctx, s.pool, catalog.RawPattern(dataset, regionToken))
	if err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(matched))
	names := make(map[string]bool, len(matched)+len(registered))
	for _, name := range matched {
		if _, ok := catalog.ParseRawRelation(name); !ok {
			continue
		}
		existing[name] = true
		names[name] = true
	}
	for _, name := range registered {
		if names[name] {
			continue
		}
		exists, err := catalog.RelationExists(ctx, s.pool, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			zap.L().Debug("consolidate: registered relation no longer exists, skipping",
				zap.String("relation", name))
			continue
		}
		names[name] = true
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// buildViewSQL assembles the UNION ALL view statement. Every branch projects
// the column list of the widest relation, emitting NULL for columns the
// branch lacks, so empty-window placeholders and source field drift cannot
// break the union.
func (s *Stage) buildViewSQL(ctx context.Context, viewName string, relations []string) (string, error) {
	colSets := make(map[string]map[string]bool, len(relations))
	var widest []string
	for _, rel := range relations {
		cols, err := catalog.ColumnNames(ctx, s.pool, rel)
		if err != nil {
			return "", err
		}
		set := make(map[string]bool, len(cols))
		for _, c := range cols {
			set[c] = true
		}
		colSets[rel] = set
		if len(cols) > len(widest) {
			widest = cols
		}
	}

	branches := make([]string, 0, len(relations))
	for _, rel := range relations {
		proj := make([]string, 0, len(widest))
		for _, col := range widest {
			if colSets[rel][col] {
				proj = append(proj, pgx.Identifier{col}.Sanitize())
			} else {
				proj = append(proj, fmt.Sprintf("NULL AS %s", pgx.Identifier{col}.Sanitize()))
			}
		}
		branches = append(branches, fmt.Sprintf("SELECT %s FROM %s",
			strings.Join(proj, ", "), pgx.Identifier{rel}.Sanitize()))
	}

	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s",
		pgx.Identifier{viewName}.Sanitize(), strings.Join(branches, " UNION ALL ")), nil
}

func (s *Stage) record(ctx context.Context, dataset, regionToken string, w window.Window, viewName string) error {
	if err := s.stages.Mark(ctx, dataset, regionToken, w, ledger.StageConsolidate, ledger.StatusPresent, ""); err != nil {
		return err
	}
	return s.artifacts.Register(ctx, ledger.Artifact{
		Kind:       catalog.KindConsolidated,
		Dataset:    dataset,
		Region:     regionToken,
		RangeStart: w.Start,
		RangeEnd:   w.End,
		Relation:   viewName,
	})
}
