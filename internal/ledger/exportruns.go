package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/faults"
)

// ExportRun is a row of pipeline.export_runs: the parameters of one export
// invocation, its output artifact, and the vendor correlation columns filled
// in by the submission stage and the webhook.
type ExportRun struct {
	ID              int64      `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	Region          string     `json:"region"`
	CenterLon       float64    `json:"center_lon"`
	CenterLat       float64    `json:"center_lat"`
	RadiusKM        float64    `json:"radius_km"`
	DistM           float64    `json:"dist_m"`
	TargetCap       int        `json:"target_cap"`
	IncludeMulti    bool       `json:"include_multi"`
	SourceRelations []string   `json:"source_relations"`
	OutputPath      string     `json:"output_path"`
	ExportedRows    *int       `json:"exported_rows,omitempty"`
	BatchJobID      string     `json:"batch_job_id,omitempty"`
	WebhookURL      string     `json:"webhook_url,omitempty"`
	APIBase         string     `json:"api_base,omitempty"`
	JobStatus       string     `json:"job_status,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
}

// ExportRuns provides read/write access to pipeline.export_runs.
type ExportRuns struct {
	pool db.Pool
}

// NewExportRuns creates an ExportRuns store backed by the given connection pool.
func NewExportRuns(pool db.Pool) *ExportRuns {
	return &ExportRuns{pool: pool}
}

const exportRunCols = `id, created_at, region, center_lon, center_lat, radius_km, dist_m,
	target_cap, include_multi, source_relations, output_path, exported_rows,
	batch_job_id, webhook_url, api_base, job_status, submitted_at`

func scanExportRun(row pgx.Row) (*ExportRun, error) {
	var e ExportRun
	var jobID, webhookURL, apiBase, jobStatus *string
	err := row.Scan(
		&e.ID, &e.CreatedAt, &e.Region, &e.CenterLon, &e.CenterLat, &e.RadiusKM, &e.DistM,
		&e.TargetCap, &e.IncludeMulti, &e.SourceRelations, &e.OutputPath, &e.ExportedRows,
		&jobID, &webhookURL, &apiBase, &jobStatus, &e.SubmittedAt,
	)
	if err != nil {
		return nil, err
	}
	if jobID != nil {
		e.BatchJobID = *jobID
	}
	if webhookURL != nil {
		e.WebhookURL = *webhookURL
	}
	if apiBase != nil {
		e.APIBase = *apiBase
	}
	if jobStatus != nil {
		e.JobStatus = *jobStatus
	}
	return &e, nil
}

// Insert records the run's parameters before the artifact is written and
// returns the new run id.
func (s *ExportRuns) Insert(ctx context.Context, run ExportRun) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline.export_runs
		     (region, center_lon, center_lat, radius_km, dist_m, target_cap,
		      include_multi, source_relations, output_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		run.Region, run.CenterLon, run.CenterLat, run.RadiusKM, run.DistM,
		run.TargetCap, run.IncludeMulti, run.SourceRelations, run.OutputPath,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "exportruns: insert run for %s", run.Region)
	}
	return id, nil
}

// SetExportedRows backfills the exported row count after the artifact is
// written. The provenance row was inserted moments earlier, so matching zero
// rows means the ledger lost it; that is an integrity fault, never swallowed.
func (s *ExportRuns) SetExportedRows(ctx context.Context, id int64, rows int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline.export_runs SET exported_rows = $1 WHERE id = $2`,
		rows, id,
	)
	if err != nil {
		return eris.Wrapf(err, "exportruns: set exported rows for run %d", id)
	}
	if tag.RowsAffected() == 0 {
		return &faults.IntegrityError{Op: "update exported_rows", Err: eris.Errorf("export run %d not found", id)}
	}
	return nil
}

// RecordSubmission fills the vendor correlation columns. Non-empty values
// already on the row survive empty new ones, and submitted_at keeps its first
// value, so a resubmission cannot erase what the first submission recorded.
func (s *ExportRuns) RecordSubmission(ctx context.Context, id int64, jobID, webhookURL, apiBase string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline.export_runs SET
		     batch_job_id = COALESCE(NULLIF($1, ''), batch_job_id),
		     webhook_url  = COALESCE(NULLIF($2, ''), webhook_url),
		     api_base     = COALESCE(NULLIF($3, ''), api_base),
		     job_status   = 'submitted',
		     submitted_at = COALESCE(submitted_at, now())
		 WHERE id = $4`,
		jobID, webhookURL, apiBase, id,
	)
	if err != nil {
		return eris.Wrapf(err, "exportruns: record submission for run %d", id)
	}
	if tag.RowsAffected() == 0 {
		return &faults.IntegrityError{Op: "record submission", Err: eris.Errorf("export run %d not found", id)}
	}
	return nil
}

// SetJobStatus updates the vendor job status on every run carrying the given
// job id and returns how many matched. Unknown job ids are tolerated (0, nil):
// the vendor may deliver callbacks for jobs submitted elsewhere.
func (s *ExportRuns) SetJobStatus(ctx context.Context, jobID, status string) (int64, error) {
	if jobID == "" {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline.export_runs SET job_status = $2 WHERE batch_job_id = $1`,
		jobID, status,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "exportruns: set status for job %s", jobID)
	}
	return tag.RowsAffected(), nil
}

// Get returns one run by id, or nil when it does not exist.
func (s *ExportRuns) Get(ctx context.Context, id int64) (*ExportRun, error) {
	run, err := scanExportRun(s.pool.QueryRow(ctx,
		`SELECT `+exportRunCols+` FROM pipeline.export_runs WHERE id = $1`, id))
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "exportruns: get run %d", id)
	}
	return run, nil
}

// ByOutputPath returns the newest run that wrote the given artifact path, or
// nil when none did.
func (s *ExportRuns) ByOutputPath(ctx context.Context, path string) (*ExportRun, error) {
	run, err := scanExportRun(s.pool.QueryRow(ctx,
		`SELECT `+exportRunCols+` FROM pipeline.export_runs
		 WHERE output_path = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, path))
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "exportruns: run for output %s", path)
	}
	return run, nil
}

// LatestForRegion returns the newest run for a region, or nil when the region
// has never been exported.
func (s *ExportRuns) LatestForRegion(ctx context.Context, region string) (*ExportRun, error) {
	run, err := scanExportRun(s.pool.QueryRow(ctx,
		`SELECT `+exportRunCols+` FROM pipeline.export_runs
		 WHERE region = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, region))
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "exportruns: latest run for %s", region)
	}
	return run, nil
}

// List returns the newest runs first.
func (s *ExportRuns) List(ctx context.Context, limit int) ([]ExportRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+exportRunCols+` FROM pipeline.export_runs
		 ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "exportruns: list")
	}
	defer rows.Close()

	var runs []ExportRun
	for rows.Next() {
		run, err := scanExportRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "exportruns: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
