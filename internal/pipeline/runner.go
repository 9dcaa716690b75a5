// Package pipeline orchestrates the per-region storm pipeline: window
// planning, ingestion, consolidation, the two clustering passes, and the
// optional export and vendor-submission chain. Stages own their idempotency;
// the runner owns ordering, degradation policy, and the run-event audit trail.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/stormlead-cli/internal/cluster"
	"github.com/sells-group/stormlead-cli/internal/consolidate"
	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/export"
	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/ingest"
	"github.com/sells-group/stormlead-cli/internal/ledger"
	"github.com/sells-group/stormlead-cli/internal/observability"
	"github.com/sells-group/stormlead-cli/internal/region"
	"github.com/sells-group/stormlead-cli/internal/skiptrace"
	"github.com/sells-group/stormlead-cli/internal/window"
)

// Run-event steps beyond the stage-log stage names.
const (
	StepExport = "export"
	StepSubmit = "submit"
)

// Center is an export selection center in lon/lat.
type Center struct {
	Lon float64
	Lat float64
}

// ExportPlan configures the optional export and submission chain that runs
// after a region's clustering passes. Centers maps region codes to selection
// centers; a region without one skips the chain.
type ExportPlan struct {
	Enabled      bool
	Submit       bool
	Centers      map[string]Center
	RadiusKM     float64
	DistM        float64
	Target       int
	IncludeMulti bool
	Dir          string
}

// RunConfig is the full shape of one run. Constructed once from config and
// flags, then passed by value: nothing mutates it mid-run.
type RunConfig struct {
	Dataset     string
	Regions     []region.Region
	Start       time.Time
	End         time.Time
	ChunkDays   int
	Parallelism int
	Force       bool
	Tuning      cluster.Tuning
	Export      ExportPlan
}

// Runner wires the stages into the region/window control flow.
type Runner struct {
	pool      db.Pool
	fetcher   ingest.Fetcher
	clusterer cluster.Clusterer
	exporter  *export.Engine
	submitter *skiptrace.Stage
	events    *ledger.EventLog
	stages    *ledger.StageLog
	metrics   *observability.Metrics
	clock     clockwork.Clock
}

// NewRunner assembles a runner from its collaborators. The submitter may be
// nil when vendor credentials are not configured; a run that requests
// submission then fails validation up front.
func NewRunner(
	pool db.Pool,
	fetcher ingest.Fetcher,
	clusterer cluster.Clusterer,
	exporter *export.Engine,
	submitter *skiptrace.Stage,
	metrics *observability.Metrics,
	clock clockwork.Clock,
) *Runner {
	return &Runner{
		pool:      pool,
		fetcher:   fetcher,
		clusterer: clusterer,
		exporter:  exporter,
		submitter: submitter,
		events:    ledger.NewEventLog(pool),
		stages:    ledger.NewStageLog(pool),
		metrics:   metrics,
		clock:     clock,
	}
}

// Summary reports one run across all its regions.
type Summary struct {
	RunID   uuid.UUID
	Regions []RegionOutcome
}

// RegionOutcome reports how far one region's chain got.
type RegionOutcome struct {
	Region     string
	Windows    int
	Fetched    int
	Skipped    int
	Failed     int
	View       string
	HailAlias  string
	ExportPath string
	ExportRows int
	JobID      string

	// Halted names the step the chain stopped at when the region degraded
	// early; empty for a full pass.
	Halted string
}

// Run executes the pipeline for every configured region in order. Regions
// degrade independently: absent data or a failing collaborator ends that
// region's chain and the run moves on. Configuration, integrity, and vendor
// errors abort the whole run; the summary covers the regions reached so far.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (*Summary, error) {
	if strings.TrimSpace(cfg.Dataset) == "" {
		return nil, faults.NewConfigurationError("dataset")
	}
	if len(cfg.Regions) == 0 {
		return nil, faults.NewConfigurationError("regions")
	}
	if cfg.Export.Submit && r.submitter == nil {
		return nil, &faults.ConfigurationError{Setting: "vendor credentials are required to submit"}
	}
	windows, err := window.Plan(cfg.Start, cfg.End, cfg.ChunkDays)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("run_id", runID.String()),
		zap.String("dataset", cfg.Dataset),
	)
	log.Info("run starting",
		zap.Int("regions", len(cfg.Regions)),
		zap.Int("windows", len(windows)),
		zap.Time("range_start", cfg.Start),
		zap.Time("range_end", cfg.End))

	r.metrics.PipelineRunning.Set(1)
	defer r.metrics.PipelineRunning.Set(0)

	summary := &Summary{RunID: runID}
	for _, reg := range cfg.Regions {
		outcome, err := r.runRegion(ctx, log, runID, cfg, reg, windows)
		summary.Regions = append(summary.Regions, outcome)
		if err != nil {
			return summary, err
		}
	}
	log.Info("run finished", zap.Int("regions", len(summary.Regions)))
	return summary, nil
}

func (r *Runner) runRegion(ctx context.Context, log *zap.Logger, runID uuid.UUID, cfg RunConfig, reg region.Region, windows []window.Window) (RegionOutcome, error) {
	out := RegionOutcome{Region: reg.Code, Windows: len(windows)}
	log = log.With(zap.String("region", reg.Code))
	record := func(step, status, note string) {
		r.recordEvent(ctx, log, runID, reg.Code, step, status, note)
	}

	if err := r.stages.SeedWindows(ctx, cfg.Dataset, reg.Token(), windows); err != nil {
		return out, err
	}

	// Ingestion. A failing fetch collaborator loses its window, nothing more;
	// any other error is fatal and cancels the remaining windows.
	ing := ingest.NewStage(r.pool, r.fetcher, cfg.Force)
	type windowOutcome struct {
		fetched bool
		skipped bool
		failed  bool
	}
	outcomes := make([]windowOutcome, len(windows))

	limit := cfg.Parallelism
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, w := range windows {
		g.Go(func() error {
			started := r.clock.Now()
			res, err := ing.EnsureWindow(gctx, cfg.Dataset, reg, w)
			switch {
			case err != nil && faults.IsSkippable(err):
				outcomes[i].failed = true
				record(ledger.StageIngest, ledger.EventFailed, fmt.Sprintf("%s: %v", w, err))
				return nil
			case err != nil:
				return err
			case res.Skipped:
				outcomes[i].skipped = true
				record(ledger.StageIngest, ledger.EventSkip, fmt.Sprintf("%s: %s", w, res.Relation))
				return nil
			default:
				outcomes[i].fetched = true
				r.metrics.FetchDuration.Observe(r.clock.Since(started).Seconds())
				r.metrics.FetchRows.Observe(float64(res.Rows))
				record(ledger.StageIngest, ledger.EventBuild,
					fmt.Sprintf("%s: %s (%d rows)", w, res.Relation, res.Rows))
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	for _, wo := range outcomes {
		switch {
		case wo.fetched:
			out.Fetched++
		case wo.skipped:
			out.Skipped++
		case wo.failed:
			out.Failed++
		}
	}
	record(ledger.StageIngest, ledger.EventDone,
		fmt.Sprintf("%d fetched, %d skipped, %d failed", out.Fetched, out.Skipped, out.Failed))

	// Consolidation. A region with no raw relations at all is skipped, not
	// fatal: other regions may still have data.
	cons := consolidate.NewStage(r.pool)
	consRes, err := cons.Rebuild(ctx, cfg.Dataset, reg.Token(), cfg.Start, cfg.End)
	if err != nil {
		if faults.IsDataAbsent(err) {
			record(ledger.StageConsolidate, ledger.EventSkip, err.Error())
			out.Halted = ledger.StageConsolidate
			return out, nil
		}
		record(ledger.StageConsolidate, ledger.EventFailed, err.Error())
		return out, err
	}
	out.View = consRes.View
	record(ledger.StageConsolidate, ledger.EventBuild,
		fmt.Sprintf("%s over %d relations", consRes.View, len(consRes.Relations)))

	// Clustering passes.
	clus := cluster.NewStage(r.pool, r.clusterer, cfg.Tuning, cfg.Force)
	hail, err := clus.EnsureHail(ctx, cfg.Dataset, reg.Token(), cfg.Start, cfg.End, consRes.View)
	if err != nil {
		record(ledger.StageHailCluster, ledger.EventFailed, err.Error())
		if faults.IsSkippable(err) {
			out.Halted = ledger.StageHailCluster
			return out, nil
		}
		return out, err
	}
	out.HailAlias = hail.Alias
	if hail.Skipped {
		record(ledger.StageHailCluster, ledger.EventSkip, hail.Relation)
	} else {
		record(ledger.StageHailCluster, ledger.EventBuild,
			fmt.Sprintf("%s (%d clusters)", hail.Relation, hail.Clusters))
	}

	addr, err := clus.EnsureAddresses(ctx, cfg.Dataset, reg.Token(), cfg.Start, cfg.End)
	if err != nil {
		record(ledger.StageAddrCluster, ledger.EventFailed, err.Error())
		if faults.IsSkippable(err) {
			out.Halted = ledger.StageAddrCluster
			return out, nil
		}
		return out, err
	}
	if addr.Skipped {
		record(ledger.StageAddrCluster, ledger.EventSkip, addr.Relation)
	} else {
		record(ledger.StageAddrCluster, ledger.EventBuild,
			fmt.Sprintf("%s (%d clusters)", addr.Relation, addr.Clusters))
	}

	if !cfg.Export.Enabled {
		return out, nil
	}
	return r.exportAndSubmit(ctx, record, cfg, reg, out)
}

// exportAndSubmit runs the optional tail of a region's chain. Export failures
// are fatal to the run: a misresolved geometry column or a broken ledger must
// not be papered over by moving to the next region.
func (r *Runner) exportAndSubmit(ctx context.Context, record func(step, status, note string), cfg RunConfig, reg region.Region, out RegionOutcome) (RegionOutcome, error) {
	center, ok := cfg.Export.Centers[reg.Code]
	if !ok {
		record(StepExport, ledger.EventSkip, "no center configured")
		return out, nil
	}

	expRes, err := r.exporter.Run(ctx, export.Params{
		Region:       reg.Code,
		CenterLon:    center.Lon,
		CenterLat:    center.Lat,
		RadiusKM:     cfg.Export.RadiusKM,
		DistM:        cfg.Export.DistM,
		Target:       cfg.Export.Target,
		IncludeMulti: cfg.Export.IncludeMulti,
		Dir:          cfg.Export.Dir,
	})
	if err != nil {
		record(StepExport, ledger.EventFailed, err.Error())
		return out, err
	}
	out.ExportPath = expRes.Path
	out.ExportRows = expRes.Rows
	r.metrics.ExportedTargets.Observe(float64(expRes.Rows))
	record(StepExport, ledger.EventBuild, fmt.Sprintf("%s (%d rows)", expRes.Path, expRes.Rows))

	if !cfg.Export.Submit {
		return out, nil
	}
	run, err := r.submitter.ResolveRun(ctx, skiptrace.RunRef{RunID: expRes.RunID})
	if err != nil {
		record(StepSubmit, ledger.EventFailed, err.Error())
		return out, err
	}
	receipt, err := r.submitter.SubmitRun(ctx, run, "")
	if err != nil {
		r.metrics.VendorSubmissions.WithLabelValues("failed").Inc()
		record(StepSubmit, ledger.EventFailed, err.Error())
		return out, err
	}
	r.metrics.VendorSubmissions.WithLabelValues("submitted").Inc()
	out.JobID = receipt.JobID
	note := "job " + receipt.JobID
	if receipt.JobID == "" {
		note = "submitted, no job id in response"
	}
	record(StepSubmit, ledger.EventDone, note)
	return out, nil
}

// recordEvent emits the structured log line, the metrics increment, and the
// pipeline.run_events row for one stage outcome. The audit row is best-effort:
// losing it must not fail the stage it describes.
func (r *Runner) recordEvent(ctx context.Context, log *zap.Logger, runID uuid.UUID, regionCode, step, status, note string) {
	r.metrics.StageOutcomes.WithLabelValues(step, status).Inc()
	fields := []zap.Field{zap.String("step", step), zap.String("status", status)}
	if note != "" {
		fields = append(fields, zap.String("note", note))
	}
	if status == ledger.EventFailed {
		log.Warn("stage outcome", fields...)
	} else {
		log.Info("stage outcome", fields...)
	}
	if err := r.events.Record(ctx, runID, regionCode, step, status, note); err != nil {
		log.Warn("failed to record run event", zap.Error(err))
	}
}
