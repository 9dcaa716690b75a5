// Package cluster materializes density-based cluster boundaries from storm
// events and from the address catalog. The clustering itself is delegated to
// a Clusterer collaborator; the stage owns idempotency, staging promotion,
// stable aliases, and ledger records.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/catalog"
	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/ledger"
	"github.com/sells-group/stormlead-cli/internal/window"
)

// ClusterRequest names the inputs of one clustering invocation. When
// ParentRelation is set the request is the two-phase address pass: each parent
// cluster's centroid is buffered by CentroidBuffer degrees and Source points
// inside the buffered area are clustered per parent cluster.
type ClusterRequest struct {
	Source      string
	GeomColumn  string
	Eps         float64
	MinSamples  int
	Destination string

	// Time-span columns on Source feeding the hull rows' start and end
	// times. Empty means the source carries no recognized time column.
	TimeStartColumn string
	TimeEndColumn   string

	ParentRelation   string
	ParentGeomColumn string
	CentroidBuffer   float64
}

// ClusterResult reports what a collaborator produced.
type ClusterResult struct {
	Relation string
	Clusters int64
}

// Clusterer computes cluster hulls from point rows and materializes them into
// the requested destination relation.
type Clusterer interface {
	Cluster(ctx context.Context, req ClusterRequest) (ClusterResult, error)
}

// Tuning carries the clustering parameters for both passes.
type Tuning struct {
	HailEps        float64
	HailMinSamples int

	AddrBuffer     float64
	AddrEps        float64
	AddrMinSamples int

	// AddressRelation is the address catalog table.
	AddressRelation string
}

// DefaultTuning returns the stock parameters. Epsilon values are in degrees.
func DefaultTuning() Tuning {
	return Tuning{
		HailEps:         0.1,
		HailMinSamples:  5,
		AddrBuffer:      0.02,
		AddrEps:         0.001,
		AddrMinSamples:  10,
		AddressRelation: "addresses",
	}
}

// Stage runs the hail and address clustering passes for one region and range.
type Stage struct {
	pool      db.Pool
	clusterer Clusterer
	stages    *ledger.StageLog
	artifacts *ledger.ArtifactRegistry
	tuning    Tuning
	force     bool
}

// NewStage wires a clustering stage.
func NewStage(pool db.Pool, clusterer Clusterer, tuning Tuning, force bool) *Stage {
	return &Stage{
		pool:      pool,
		clusterer: clusterer,
		stages:    ledger.NewStageLog(pool),
		artifacts: ledger.NewArtifactRegistry(pool),
		tuning:    tuning,
		force:     force,
	}
}

// Result reports one pass's outcome.
type Result struct {
	Relation string
	Alias    string
	Clusters int64
	Skipped  bool
}

// EnsureHail clusters the consolidated view's events into boundary hulls. The
// pass is idempotent by existence of the dated destination relation; the
// stable alias and registry rows are refreshed even when the build is skipped.
func (s *Stage) EnsureHail(ctx context.Context, dataset, regionToken string, start, end time.Time, source string) (Result, error) {
	dest := catalog.BoundaryRelation(catalog.BoundaryHail, regionToken, start, end)
	if err := catalog.ValidIdent(dest); err != nil {
		return Result{}, err
	}
	log := s.logger(catalog.BoundaryHail, regionToken, dest)
	w := window.Window{Start: start, End: end}

	skipped, err := s.shouldSkip(ctx, log, dest)
	if err != nil {
		return Result{}, err
	}
	if skipped {
		return s.finish(ctx, dataset, regionToken, w, ledger.StageHailCluster,
			catalog.KindHailClusters, catalog.KindHailAlias, dest, Result{Skipped: true, Clusters: 0})
	}

	geomCol, err := catalog.GeometryColumn(ctx, s.pool, source)
	if err != nil {
		return Result{}, err
	}
	tStart, tEnd, err := catalog.TimeColumns(ctx, s.pool, source)
	if err != nil {
		return Result{}, err
	}

	res, err := s.materialize(ctx, log, dataset, regionToken, w, ledger.StageHailCluster, dest, ClusterRequest{
		Source:          source,
		GeomColumn:      geomCol,
		Eps:             s.tuning.HailEps,
		MinSamples:      s.tuning.HailMinSamples,
		TimeStartColumn: tStart,
		TimeEndColumn:   tEnd,
	})
	if err != nil {
		return Result{}, err
	}
	return s.finish(ctx, dataset, regionToken, w, ledger.StageHailCluster,
		catalog.KindHailClusters, catalog.KindHailAlias, dest, Result{Clusters: res.Clusters})
}

// EnsureAddresses clusters catalog addresses inside the buffered hail-cluster
// centroids. Requires the hail pass's dated relation for the same range.
func (s *Stage) EnsureAddresses(ctx context.Context, dataset, regionToken string, start, end time.Time) (Result, error) {
	hailRel := catalog.BoundaryRelation(catalog.BoundaryHail, regionToken, start, end)
	dest := catalog.BoundaryRelation(catalog.BoundaryAddr, regionToken, start, end)
	if err := catalog.ValidIdent(dest); err != nil {
		return Result{}, err
	}
	log := s.logger(catalog.BoundaryAddr, regionToken, dest)
	w := window.Window{Start: start, End: end}

	skipped, err := s.shouldSkip(ctx, log, dest)
	if err != nil {
		return Result{}, err
	}
	if skipped {
		return s.finish(ctx, dataset, regionToken, w, ledger.StageAddrCluster,
			catalog.KindAddrClusters, catalog.KindAddrAlias, dest, Result{Skipped: true})
	}

	hailExists, err := catalog.RelationExists(ctx, s.pool, hailRel)
	if err != nil {
		return Result{}, err
	}
	if !hailExists {
		return Result{}, &faults.DataAbsentError{Dataset: catalog.BoundaryHail, Region: regionToken}
	}

	addrGeom, err := catalog.GeometryColumn(ctx, s.pool, s.tuning.AddressRelation)
	if err != nil {
		return Result{}, err
	}
	hailGeom, err := catalog.GeometryColumn(ctx, s.pool, hailRel)
	if err != nil {
		return Result{}, err
	}

	res, err := s.materialize(ctx, log, dataset, regionToken, w, ledger.StageAddrCluster, dest, ClusterRequest{
		Source:           s.tuning.AddressRelation,
		GeomColumn:       addrGeom,
		Eps:              s.tuning.AddrEps,
		MinSamples:       s.tuning.AddrMinSamples,
		ParentRelation:   hailRel,
		ParentGeomColumn: hailGeom,
		CentroidBuffer:   s.tuning.AddrBuffer,
	})
	if err != nil {
		return Result{}, err
	}
	return s.finish(ctx, dataset, regionToken, w, ledger.StageAddrCluster,
		catalog.KindAddrClusters, catalog.KindAddrAlias, dest, Result{Clusters: res.Clusters})
}

func (s *Stage) logger(kind, regionToken, dest string) *zap.Logger {
	return zap.L().With(
		zap.String("component", "cluster"),
		zap.String("kind", kind),
		zap.String("region", regionToken),
		zap.String("relation", dest),
	)
}

// shouldSkip applies existence idempotency, dropping the destination first
// when force is set.
func (s *Stage) shouldSkip(ctx context.Context, log *zap.Logger, dest string) (bool, error) {
	exists, err := catalog.RelationExists(ctx, s.pool, dest)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if !s.force {
		log.Info("boundaries exist, skipping")
		return true, nil
	}
	log.Info("force set, rebuilding boundaries")
	return false, catalog.DropRelation(ctx, s.pool, dest)
}

// materialize invokes the collaborator against a short-lived staging relation
// and promotes the result, mirroring the ingestion rename semantics.
func (s *Stage) materialize(ctx context.Context, log *zap.Logger, dataset, regionToken string, w window.Window, stage, dest string, req ClusterRequest) (ClusterResult, error) {
	req.Destination = stagingName()
	if err := s.stages.Mark(ctx, dataset, regionToken, w, stage, ledger.StatusFetching, ""); err != nil {
		return ClusterResult{}, err
	}

	res, err := s.clusterer.Cluster(ctx, req)
	if err != nil {
		ferr := &faults.CollaboratorInvocationError{Collaborator: "cluster", Unit: dest, Err: err}
		if markErr := s.stages.Mark(ctx, dataset, regionToken, w, stage, ledger.StatusFailed, ferr.Error()); markErr != nil {
			log.Warn("failed to record clustering failure", zap.Error(markErr))
		}
		return ClusterResult{}, ferr
	}

	if err := catalog.RenameRelation(ctx, s.pool, req.Destination, dest, "geom"); err != nil {
		if markErr := s.stages.Mark(ctx, dataset, regionToken, w, stage, ledger.StatusFailed, err.Error()); markErr != nil {
			log.Warn("failed to record promotion failure", zap.Error(markErr))
		}
		return ClusterResult{}, err
	}
	if err := catalog.EnsureGeomIndex(ctx, s.pool, dest, "geom"); err != nil {
		return ClusterResult{}, err
	}
	log.Info("boundaries materialized", zap.Int64("clusters", res.Clusters))
	return res, nil
}

// finish refreshes the ledger and the stable alias. Runs on skip as well so a
// wiped registry or dropped alias self-heals on the next run.
func (s *Stage) finish(ctx context.Context, dataset, regionToken string, w window.Window, stage, kind, aliasKind, dest string, res Result) (Result, error) {
	if err := s.stages.Mark(ctx, dataset, regionToken, w, stage, ledger.StatusPresent, ""); err != nil {
		return Result{}, err
	}
	if err := s.artifacts.Register(ctx, ledger.Artifact{
		Kind: kind, Dataset: dataset, Region: regionToken,
		RangeStart: w.Start, RangeEnd: w.End, Relation: dest,
	}); err != nil {
		return Result{}, err
	}

	var boundaryKind string
	if kind == catalog.KindHailClusters {
		boundaryKind = catalog.BoundaryHail
	} else {
		boundaryKind = catalog.BoundaryAddr
	}
	alias := catalog.BoundaryAlias(boundaryKind, regionToken)
	if err := s.ensureAlias(ctx, alias, dest); err != nil {
		return Result{}, err
	}
	if err := s.artifacts.Register(ctx, ledger.Artifact{
		Kind: aliasKind, Dataset: dataset, Region: regionToken,
		RangeStart: w.Start, RangeEnd: w.End, Relation: alias,
	}); err != nil {
		return Result{}, err
	}

	res.Relation = dest
	res.Alias = alias
	return res, nil
}

func (s *Stage) ensureAlias(ctx context.Context, alias, dest string) error {
	if err := catalog.ValidIdent(alias); err != nil {
		return err
	}
	return catalog.ReplaceViewOver(ctx, s.pool, alias, dest)
}

// stagingName returns a short random relation name for a collaborator to
// materialize into before promotion.
func stagingName() string {
	u := uuid.New()
	return fmt.Sprintf("hc_%x", u[:4])
}
