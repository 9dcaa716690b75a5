package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/window"
)

// Stage status values. A unit is absent until a fetch starts, fetching while
// the collaborator runs, and present or failed afterwards. Relation existence
// stays the idempotency fast-path; the ledger disambiguates never-started from
// in-progress and preserves failure diagnostics across runs.
const (
	StatusAbsent   = "absent"
	StatusFetching = "fetching"
	StatusPresent  = "present"
	StatusFailed   = "failed"
)

// Stage names recorded in pipeline.stage_log. Cluster and consolidate stages
// use the full range as their window bounds.
const (
	StageIngest      = "ingest"
	StageConsolidate = "consolidate"
	StageHailCluster = "hail_cluster"
	StageAddrCluster = "addr_cluster"
)

// StageEntry is a row of pipeline.stage_log.
type StageEntry struct {
	Dataset     string    `json:"dataset"`
	Region      string    `json:"region"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Stage       string    `json:"stage"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StageLog provides read/write access to pipeline.stage_log.
type StageLog struct {
	pool db.Pool
}

// NewStageLog creates a StageLog backed by the given connection pool.
func NewStageLog(pool db.Pool) *StageLog {
	return &StageLog{pool: pool}
}

// SeedWindows inserts absent rows for every planned window of a run; rows that
// already exist keep their current status.
func (s *StageLog) SeedWindows(ctx context.Context, dataset, region string, windows []window.Window) error {
	rows := make([][]any, 0, len(windows))
	for _, w := range windows {
		rows = append(rows, []any{dataset, region, w.Start, w.End, StageIngest, StatusAbsent})
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "pipeline.stage_log",
		Columns:      []string{"dataset", "region", "window_start", "window_end", "stage", "status"},
		ConflictKeys: []string{"dataset", "region", "window_start", "window_end", "stage"},
		UpdateCols:   []string{},
	}, rows); err != nil {
		return eris.Wrapf(err, "stagelog: seed %d windows for %s/%s", len(windows), dataset, region)
	}
	return nil
}

// Mark upserts the status of one (dataset, region, window, stage) unit.
// Attempts count only fetching transitions; lastError is cleared when empty.
func (s *StageLog) Mark(ctx context.Context, dataset, region string, w window.Window, stage, status, lastError string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline.stage_log
		     (dataset, region, window_start, window_end, stage, status, attempts, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         CASE WHEN $6 = 'fetching' THEN 1 ELSE 0 END, NULLIF($7, ''), now())
		 ON CONFLICT (dataset, region, window_start, window_end, stage) DO UPDATE SET
		     status     = EXCLUDED.status,
		     attempts   = pipeline.stage_log.attempts +
		                  CASE WHEN EXCLUDED.status = 'fetching' THEN 1 ELSE 0 END,
		     last_error = EXCLUDED.last_error,
		     updated_at = now()`,
		dataset, region, w.Start, w.End, stage, status, lastError,
	)
	if err != nil {
		return eris.Wrapf(err, "stagelog: mark %s/%s %s %s=%s", dataset, region, w, stage, status)
	}
	return nil
}

// Get returns the entry for one unit, or nil when it was never recorded.
func (s *StageLog) Get(ctx context.Context, dataset, region string, w window.Window, stage string) (*StageEntry, error) {
	var e StageEntry
	var lastError *string
	err := s.pool.QueryRow(ctx,
		`SELECT dataset, region, window_start, window_end, stage, status, attempts, last_error, updated_at
		 FROM pipeline.stage_log
		 WHERE dataset = $1 AND region = $2 AND window_start = $3 AND window_end = $4 AND stage = $5`,
		dataset, region, w.Start, w.End, stage,
	).Scan(&e.Dataset, &e.Region, &e.WindowStart, &e.WindowEnd, &e.Stage, &e.Status, &e.Attempts, &lastError, &e.UpdatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "stagelog: get %s/%s %s %s", dataset, region, w, stage)
	}
	if lastError != nil {
		e.LastError = *lastError
	}
	return &e, nil
}

// List returns entries ordered by region and window start, optionally filtered
// to one region. An empty region lists everything.
func (s *StageLog) List(ctx context.Context, region string) ([]StageEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT dataset, region, window_start, window_end, stage, status, attempts, last_error, updated_at
		 FROM pipeline.stage_log
		 WHERE ($1 = '' OR region = $1)
		 ORDER BY region, window_start, stage`,
		region,
	)
	if err != nil {
		return nil, eris.Wrap(err, "stagelog: list")
	}
	defer rows.Close()

	var entries []StageEntry
	for rows.Next() {
		var e StageEntry
		var lastError *string
		if err := rows.Scan(&e.Dataset, &e.Region, &e.WindowStart, &e.WindowEnd, &e.Stage, &e.Status, &e.Attempts, &lastError, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "stagelog: scan entry")
		}
		if lastError != nil {
			e.LastError = *lastError
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
