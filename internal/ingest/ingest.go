// Package ingest drives the per-window ingestion state machine: ensure one
// raw event relation exists for every (dataset, region, window), delegating
// the actual fetch to a collaborator and promoting its staging output to the
// deterministic relation name. Relation existence is the completion marker,
// so reruns skip finished windows without touching the collaborator.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/catalog"
	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/ledger"
	"github.com/sells-group/stormlead-cli/internal/region"
	"github.com/sells-group/stormlead-cli/internal/window"
)

// Fetcher is the external collaborator that downloads one window of source
// observations and loads them into the window's staging relation. It returns
// the staging relation name and the rows loaded; a window the source has no
// events for still produces an (empty) staging relation.
type Fetcher interface {
	Fetch(ctx context.Context, dataset, regionToken string, bbox region.BBox, w window.Window) (staging string, rows int64, err error)
}

// Stage ensures raw per-window relations exist, recording state transitions
// in pipeline.stage_log and produced relations in pipeline.artifacts.
type Stage struct {
	pool      db.Pool
	fetcher   Fetcher
	stages    *ledger.StageLog
	artifacts *ledger.ArtifactRegistry
	force     bool
}

// NewStage wires an ingestion stage. With force set, windows whose relations
// already exist are dropped and refetched.
func NewStage(pool db.Pool, fetcher Fetcher, force bool) *Stage {
	return &Stage{
		pool:      pool,
		fetcher:   fetcher,
		stages:    ledger.NewStageLog(pool),
		artifacts: ledger.NewArtifactRegistry(pool),
		force:     force,
	}
}

// Result reports one window's ingestion outcome.
type Result struct {
	Relation string
	Rows     int64
	Skipped  bool
}

// EnsureWindow runs the state machine for one (dataset, region, window):
// skip when the destination relation exists, otherwise fetch into staging and
// promote. Collaborator failures come back as CollaboratorInvocationError so
// the orchestrator can continue with the remaining windows.
func (s *Stage) EnsureWindow(ctx context.Context, dataset string, reg region.Region, w window.Window) (Result, error) {
	regionToken := reg.Token()
	dest := catalog.RawRelation(dataset, regionToken, w)
	if err := catalog.ValidIdent(dest); err != nil {
		return Result{}, err
	}

	log := zap.L().With(
		zap.String("component", "ingest"),
		zap.String("dataset", dataset),
		zap.String("region", regionToken),
		zap.String("window", w.String()),
	)

	exists, err := catalog.RelationExists(ctx, s.pool, dest)
	if err != nil {
		return Result{}, err
	}

	if exists {
		if !s.force {
			log.Info("window already ingested, skipping", zap.String("relation", dest))
			if err := s.stages.Mark(ctx, dataset, regionToken, w, ledger.StageIngest, ledger.StatusPresent, ""); err != nil {
				return Result{}, err
			}
			return Result{Relation: dest, Skipped: true}, nil
		}
		log.Info("force: dropping existing relation", zap.String("relation", dest))
		if err := catalog.DropRelation(ctx, s.pool, dest); err != nil {
			return Result{}, err
		}
	}

	// A staging leftover from a prior failed attempt would collide with this
	// attempt's rename.
	staging := catalog.StagingRelation(dataset, regionToken, w)
	if err := catalog.DropRelation(ctx, s.pool, staging); err != nil {
		return Result{}, err
	}

	if err := s.stages.Mark(ctx, dataset, regionToken, w, ledger.StageIngest, ledger.StatusFetching, ""); err != nil {
		return Result{}, err
	}

	produced, rows, err := s.fetcher.Fetch(ctx, dataset, regionToken, reg.BBox, w)
	if err != nil {
		ferr := &faults.CollaboratorInvocationError{
			Collaborator: "fetch",
			Unit:         fmt.Sprintf("%s %s %s", dataset, regionToken, w),
			Err:          err,
		}
		if markErr := s.stages.Mark(ctx, dataset, regionToken, w, ledger.StageIngest, ledger.StatusFailed, ferr.Error()); markErr != nil {
			log.Warn("failed to record fetch failure", zap.Error(markErr))
		}
		return Result{}, ferr
	}

	if err := catalog.RenameRelation(ctx, s.pool, produced, dest, "geom"); err != nil {
		if markErr := s.stages.Mark(ctx, dataset, regionToken, w, ledger.StageIngest, ledger.StatusFailed, err.Error()); markErr != nil {
			log.Warn("failed to record promotion failure", zap.Error(markErr))
		}
		return Result{}, err
	}

	if err := s.stages.Mark(ctx, dataset, regionToken, w, ledger.StageIngest, ledger.StatusPresent, ""); err != nil {
		return Result{}, err
	}
	if err := s.artifacts.Register(ctx, ledger.Artifact{
		Kind:       catalog.KindRaw,
		Dataset:    dataset,
		Region:     regionToken,
		RangeStart: w.Start,
		RangeEnd:   w.End,
		Relation:   dest,
	}); err != nil {
		return Result{}, err
	}

	log.Info("window ingested", zap.String("relation", dest), zap.Int64("rows", rows))
	return Result{Relation: dest, Rows: rows}, nil
}
