package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/skiptrace"
)

var (
	submitRun     int64
	submitOut     string
	submitRegion  string
	submitWebhook string
	submitList    string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an exported target list for skip tracing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("submit"); err != nil {
			return err
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		stage := vendorStage(pool, clockwork.NewRealClock(), submitWebhook)
		run, err := stage.ResolveRun(ctx, skiptrace.RunRef{
			RunID:  submitRun,
			Path:   submitOut,
			Region: submitRegion,
		})
		if err != nil {
			return err
		}

		receipt, err := stage.SubmitRun(ctx, run, submitList)
		if err != nil {
			return err
		}
		zap.L().Info("submission accepted",
			zap.Int64("run_id", run.ID),
			zap.String("job_id", receipt.JobID),
			zap.Int("status_code", receipt.StatusCode))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(receipt)
	},
}

// vendorStage wires the skip-trace stage from vendor config. webhookOverride
// replaces the configured webhook URL when non-empty.
func vendorStage(pool db.Pool, clock clockwork.Clock, webhookOverride string) *skiptrace.Stage {
	var opts []skiptrace.Option
	if cfg.Vendor.TimeoutSecs > 0 {
		opts = append(opts, skiptrace.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Vendor.TimeoutSecs) * time.Second,
		}))
	}
	client := skiptrace.NewClient(cfg.Vendor.APIBase, cfg.Vendor.Token, cfg.Vendor.APIKey, opts...)

	webhookURL := cfg.Vendor.WebhookURL
	if webhookOverride != "" {
		webhookURL = webhookOverride
	}
	return skiptrace.NewStage(pool, client, clock, webhookURL, cfg.Vendor.APIBase)
}

func init() {
	submitCmd.Flags().Int64Var(&submitRun, "run", 0, "export run id to submit")
	submitCmd.Flags().StringVar(&submitOut, "out", "", "resolve the run by its output CSV path")
	submitCmd.Flags().StringVar(&submitRegion, "region", "", "resolve the region's latest export run")
	submitCmd.Flags().StringVar(&submitWebhook, "webhook", "", "webhook URL override for this submission")
	submitCmd.Flags().StringVar(&submitList, "list-name", "", "vendor list name (default: artifact basename)")
	rootCmd.AddCommand(submitCmd)
}
