package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/skiptrace"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect vendor skip-trace jobs",
}

var (
	jobsRun      int64
	jobsJob      string
	jobsDownload string
	jobsAwait    bool
	jobsInterval time.Duration
	jobsTimeout  time.Duration
)

var jobsPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll a job's status, optionally until it finishes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("jobs"); err != nil {
			return err
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		stage := vendorStage(pool, clockwork.NewRealClock(), "")

		jobID := jobsJob
		if jobID == "" {
			if jobsRun <= 0 {
				return faults.NewConfigurationError("a --job id or --run id is required")
			}
			run, err := stage.ResolveRun(ctx, skiptrace.RunRef{RunID: jobsRun})
			if err != nil {
				return err
			}
			if run.BatchJobID == "" {
				return &faults.ConfigurationError{
					Setting: "run",
					Err:     eris.Errorf("run %d has no recorded job id", run.ID),
				}
			}
			jobID = run.BatchJobID
		}

		var job *skiptrace.Job
		if jobsAwait {
			job, err = stage.Await(ctx, jobID, jobsInterval, jobsTimeout)
		} else {
			job, err = stage.Status(ctx, jobID)
		}
		// A timed-out await still reports the last status it saw.
		if job != nil {
			fmt.Printf("job %s: %s\n", jobID, jobStatusLine(job))
		}
		if err != nil {
			return err
		}

		if jobsDownload != "" {
			if !job.Done {
				fmt.Fprintln(os.Stderr, "job not finished; nothing downloaded")
				return nil
			}
			if err := os.WriteFile(jobsDownload, job.Payload, 0o644); err != nil {
				return eris.Wrapf(err, "write %s", jobsDownload)
			}
			fmt.Printf("%d bytes written to %s\n", len(job.Payload), jobsDownload)
		}
		return nil
	},
}

func jobStatusLine(job *skiptrace.Job) string {
	if job.Status == "" {
		return "status unknown"
	}
	if job.Done {
		return job.Status + " (finished)"
	}
	return job.Status
}

func init() {
	jobsPollCmd.Flags().Int64Var(&jobsRun, "run", 0, "resolve the job id from this export run")
	jobsPollCmd.Flags().StringVar(&jobsJob, "job", "", "vendor job id")
	jobsPollCmd.Flags().StringVar(&jobsDownload, "download", "", "write the finished job's payload to this path")
	jobsPollCmd.Flags().BoolVar(&jobsAwait, "await", false, "poll until the job reaches a terminal status")
	jobsPollCmd.Flags().DurationVar(&jobsInterval, "interval", 5*time.Second, "poll interval with --await")
	jobsPollCmd.Flags().DurationVar(&jobsTimeout, "timeout", 10*time.Minute, "max wait with --await")
	jobsCmd.AddCommand(jobsPollCmd)
	rootCmd.AddCommand(jobsCmd)
}
