package skiptrace

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/ledger"
)

// RunRef identifies an export run for submission: by id, by artifact path, or
// by most-recent for a region, resolved in that order.
type RunRef struct {
	RunID  int64
	Path   string
	Region string
}

// Stage submits export artifacts to the vendor and tracks the resulting jobs
// on the run ledger.
type Stage struct {
	client     Client
	runs       *ledger.ExportRuns
	clock      clockwork.Clock
	webhookURL string
	apiBase    string
}

// NewStage wires a submission stage.
func NewStage(pool db.Pool, client Client, clock clockwork.Clock, webhookURL, apiBase string) *Stage {
	return &Stage{
		client:     client,
		runs:       ledger.NewExportRuns(pool),
		clock:      clock,
		webhookURL: webhookURL,
		apiBase:    apiBase,
	}
}

// ResolveRun finds the export run a reference points at.
func (s *Stage) ResolveRun(ctx context.Context, ref RunRef) (*ledger.ExportRun, error) {
	switch {
	case ref.RunID > 0:
		run, err := s.runs.Get(ctx, ref.RunID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, eris.Errorf("skiptrace: no export run with id %d", ref.RunID)
		}
		return run, nil
	case ref.Path != "":
		run, err := s.runs.ByOutputPath(ctx, ref.Path)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, eris.Errorf("skiptrace: no export run wrote %s", ref.Path)
		}
		return run, nil
	case ref.Region != "":
		regionCode := strings.ToUpper(strings.TrimSpace(ref.Region))
		run, err := s.runs.LatestForRegion(ctx, regionCode)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, eris.Errorf("skiptrace: region %s has no export runs", regionCode)
		}
		return run, nil
	}
	return nil, &faults.ConfigurationError{Setting: "a run id, output path, or region is required"}
}

// SubmitRun uploads a run's artifact and records the vendor correlation
// columns. A previously recorded non-empty value survives an empty new one.
func (s *Stage) SubmitRun(ctx context.Context, run *ledger.ExportRun, listName string) (*SubmitReceipt, error) {
	if s.webhookURL == "" {
		return nil, &faults.ConfigurationError{Setting: "vendor webhook URL is required for async submission"}
	}
	if listName == "" {
		listName = strings.TrimSuffix(filepath.Base(run.OutputPath), filepath.Ext(run.OutputPath))
	}

	log := zap.L().With(
		zap.String("component", "skiptrace"),
		zap.Int64("run_id", run.ID),
		zap.String("artifact", run.OutputPath),
	)

	receipt, err := s.client.Submit(ctx, Submission{
		FilePath:   run.OutputPath,
		WebhookURL: s.webhookURL,
		ListName:   listName,
	})
	if err != nil {
		return nil, err
	}

	if err := s.runs.RecordSubmission(ctx, run.ID, receipt.JobID, s.webhookURL, s.apiBase); err != nil {
		return nil, err
	}

	if receipt.JobID == "" {
		log.Info("submitted, no job id in response")
	} else {
		log.Info("submitted", zap.String("job_id", receipt.JobID))
	}
	return receipt, nil
}

// Status checks a job once, mirroring the state onto any run that carries the
// job id.
func (s *Stage) Status(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.client.JobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != "" {
		if _, err := s.runs.SetJobStatus(ctx, jobID, job.Status); err != nil {
			zap.L().Warn("failed to mirror job status", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return job, nil
}

// Await polls a job until it reaches a terminal status, the timeout passes,
// or the context is canceled. The last observed state is returned alongside
// timeout errors so callers can still report it.
func (s *Stage) Await(ctx context.Context, jobID string, interval, timeout time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := s.clock.Now().Add(timeout)
	for {
		job, err := s.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Done {
			return job, nil
		}
		if timeout > 0 && !s.clock.Now().Before(deadline) {
			return job, eris.Errorf("skiptrace: job %s still %q after %s", jobID, job.Status, timeout)
		}
		select {
		case <-ctx.Done():
			return job, eris.Wrap(ctx.Err(), "skiptrace: await canceled")
		case <-s.clock.After(interval):
		}
	}
}
