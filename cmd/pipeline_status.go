package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/stormlead-cli/internal/ledger"
	"github.com/sells-group/stormlead-cli/internal/window"
)

var (
	statusRegion string
	statusLimit  int
)

var pipelineStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-window stage state and recent run events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		region := strings.TrimSpace(statusRegion)
		entries, err := ledger.NewStageLog(pool).List(ctx, strings.ToLower(region))
		if err != nil {
			return err
		}
		events, err := ledger.NewEventLog(pool).Recent(ctx, strings.ToUpper(region), statusLimit)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No stage entries.")
		} else {
			formatStageEntries(os.Stdout, entries)
		}
		if len(events) > 0 {
			fmt.Fprintln(os.Stdout)
			formatRunEvents(os.Stdout, events)
		}
		return nil
	},
}

func formatStageEntries(out io.Writer, entries []ledger.StageEntry) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tWINDOW\tSTAGE\tSTATUS\tATTEMPTS\tUPDATED\tERROR")
	for _, e := range entries {
		win := e.WindowStart.Format(window.TokenFormat) + "_" + e.WindowEnd.Format(window.TokenFormat)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Region, win, e.Stage, e.Status, e.Attempts,
			e.UpdatedAt.Format("2006-01-02 15:04"), truncateNote(e.LastError))
	}
	_ = tw.Flush()
}

func formatRunEvents(out io.Writer, events []ledger.RunEvent) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tREGION\tSTEP\tSTATUS\tNOTE")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Region, e.Step, e.Status, truncateNote(e.Note))
	}
	_ = tw.Flush()
}

func truncateNote(s string) string {
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

func init() {
	pipelineStatusCmd.Flags().StringVar(&statusRegion, "region", "", "filter to one region code")
	pipelineStatusCmd.Flags().IntVar(&statusLimit, "limit", 50, "max run events to show")
	pipelineCmd.AddCommand(pipelineStatusCmd)
}
