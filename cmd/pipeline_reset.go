package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/pipeline"
)

var (
	resetRegion  string
	resetStart   string
	resetEnd     string
	resetDataset string
	resetForce   bool
	resetYes     bool
	resetFiles   bool
)

var pipelineResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop a region's views, relations, and registry rows for a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}
		if !resetForce {
			return faults.NewConfigurationError("reset refuses to run without --force")
		}

		start, err := parseDate("start", resetStart)
		if err != nil {
			return err
		}
		end, err := parseDate("end", resetEnd)
		if err != nil {
			return err
		}
		dataset := cfg.Pipeline.Dataset
		if resetDataset != "" {
			dataset = resetDataset
		}

		if !resetYes {
			ok, err := confirmReset(cmd.InOrStdin(), cmd.OutOrStdout(), resetRegion)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "reset aborted")
				return nil
			}
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		res, err := pipeline.NewResetter(pool).Reset(ctx, pipeline.ResetRequest{
			Dataset:     dataset,
			Region:      resetRegion,
			Start:       start,
			End:         end,
			RemoveFiles: resetFiles,
			ExportDir:   cfg.Export.Dir,
		})
		if err != nil {
			return err
		}
		formatResetResult(os.Stdout, res)
		return nil
	},
}

// confirmReset asks the operator to type the region code back. A mismatch or
// closed stdin declines without error.
func confirmReset(in io.Reader, out io.Writer, region string) (bool, error) {
	fmt.Fprintf(out, "This drops all %s pipeline artifacts. Type the region code to confirm: ", strings.ToUpper(region))
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), strings.TrimSpace(region)), nil
}

func formatResetResult(out io.Writer, res pipeline.ResetResult) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Views dropped\t%d\n", len(res.Views))
	fmt.Fprintf(tw, "Relations dropped\t%d\n", len(res.Relations))
	fmt.Fprintf(tw, "Files removed\t%d\n", len(res.Files))
	fmt.Fprintf(tw, "Registry rows cleared\t%d\n", res.Deregistered)
	_ = tw.Flush()
	for _, v := range res.Views {
		fmt.Fprintf(out, "  view %s\n", v)
	}
	for _, r := range res.Relations {
		fmt.Fprintf(out, "  table %s\n", r)
	}
	for _, f := range res.Files {
		fmt.Fprintf(out, "  file %s\n", f)
	}
}

func init() {
	pipelineResetCmd.Flags().StringVar(&resetRegion, "region", "", "region code to reset")
	pipelineResetCmd.Flags().StringVar(&resetStart, "start", "", "range start, YYYY-MM-DD")
	pipelineResetCmd.Flags().StringVar(&resetEnd, "end", "", "range end, YYYY-MM-DD")
	pipelineResetCmd.Flags().StringVar(&resetDataset, "dataset", "", "SWDI dataset (default from config)")
	pipelineResetCmd.Flags().BoolVar(&resetForce, "force", false, "required; reset is destructive")
	pipelineResetCmd.Flags().BoolVar(&resetYes, "yes", false, "skip the interactive confirmation")
	pipelineResetCmd.Flags().BoolVar(&resetFiles, "files", false, "also remove the region's export CSVs")
	_ = pipelineResetCmd.MarkFlagRequired("region")
	_ = pipelineResetCmd.MarkFlagRequired("start")
	_ = pipelineResetCmd.MarkFlagRequired("end")
	pipelineCmd.AddCommand(pipelineResetCmd)
}
