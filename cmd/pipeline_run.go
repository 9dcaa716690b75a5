package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/stormlead-cli/internal/cluster"
	"github.com/sells-group/stormlead-cli/internal/config"
	"github.com/sells-group/stormlead-cli/internal/export"
	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/observability"
	"github.com/sells-group/stormlead-cli/internal/pipeline"
	"github.com/sells-group/stormlead-cli/internal/region"
	"github.com/sells-group/stormlead-cli/internal/skiptrace"
	"github.com/sells-group/stormlead-cli/internal/swdi"
)

var (
	runRegions        string
	runStart          string
	runEnd            string
	runDataset        string
	runChunkDays      int
	runParallelism    int
	runForce          bool
	runHailEps        float64
	runHailMinSamples int
	runAddrBuffer     float64
	runAddrEps        float64
	runAddrMinSamples int
	runWithExport     bool
	runSubmit         bool
)

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch, consolidate, and cluster storm windows for each region",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}

		codes := cfg.Pipeline.Regions
		if runRegions != "" {
			codes = strings.Split(runRegions, ",")
		}
		overrides := map[string]string{}
		if cfg.Pipeline.RegionFile != "" {
			file, err := region.LoadFile(cfg.Pipeline.RegionFile)
			if err != nil {
				return err
			}
			overrides = file
		}
		for code, bbox := range cfg.Pipeline.RegionBBox {
			overrides[strings.ToUpper(strings.TrimSpace(code))] = bbox
		}
		regions, err := region.Resolve(codes, overrides)
		if err != nil {
			return err
		}

		start, err := parseDate("start", runStart)
		if err != nil {
			return err
		}
		end, err := parseDate("end", runEnd)
		if err != nil {
			return err
		}

		dataset := cfg.Pipeline.Dataset
		if runDataset != "" {
			dataset = runDataset
		}
		if !swdi.KnownDataset(dataset) {
			return &faults.ConfigurationError{
				Setting: "dataset",
				Err:     eris.Errorf("%q is not one of %s", dataset, strings.Join(swdi.Datasets, ", ")),
			}
		}

		chunkDays := cfg.Pipeline.ChunkDays
		if cmd.Flags().Changed("chunk-days") {
			chunkDays = runChunkDays
		}
		parallelism := cfg.Pipeline.Parallelism
		if cmd.Flags().Changed("parallelism") {
			parallelism = runParallelism
		}

		tuning := tuningFromConfig(cfg)
		fl := cmd.Flags()
		if fl.Changed("hail-eps") {
			tuning.HailEps = runHailEps
		}
		if fl.Changed("hail-min-samples") {
			tuning.HailMinSamples = runHailMinSamples
		}
		if fl.Changed("addr-buffer") {
			tuning.AddrBuffer = runAddrBuffer
		}
		if fl.Changed("addr-eps") {
			tuning.AddrEps = runAddrEps
		}
		if fl.Changed("addr-min-samples") {
			tuning.AddrMinSamples = runAddrMinSamples
		}

		var plan pipeline.ExportPlan
		if runWithExport || runSubmit {
			centers, err := exportCenters(cfg.Export.Centers)
			if err != nil {
				return err
			}
			plan = pipeline.ExportPlan{
				Enabled:      true,
				Submit:       runSubmit,
				Centers:      centers,
				RadiusKM:     cfg.Export.RadiusKM,
				DistM:        cfg.Export.DistM,
				Target:       cfg.Export.Target,
				IncludeMulti: cfg.Export.IncludeMulti,
				Dir:          cfg.Export.Dir,
			}
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		clock := clockwork.NewRealClock()
		var submitter *skiptrace.Stage
		if cfg.Vendor.Token != "" && cfg.Vendor.APIKey != "" {
			submitter = vendorStage(pool, clock, "")
		}

		runner := pipeline.NewRunner(
			pool,
			swdi.New(pool, swdiOptions(cfg)),
			cluster.NewPostGIS(pool),
			export.NewEngine(pool, clock),
			submitter,
			observability.NewMetrics(),
			clock,
		)
		summary, err := runner.Run(ctx, pipeline.RunConfig{
			Dataset:     dataset,
			Regions:     regions,
			Start:       start,
			End:         end,
			ChunkDays:   chunkDays,
			Parallelism: parallelism,
			Force:       runForce,
			Tuning:      tuning,
			Export:      plan,
		})
		if summary != nil {
			formatRunSummary(os.Stdout, summary)
		}
		return err
	},
}

// tuningFromConfig overlays configured cluster parameters on the defaults.
func tuningFromConfig(c *config.Config) cluster.Tuning {
	t := cluster.DefaultTuning()
	if c.Cluster.HailEps > 0 {
		t.HailEps = c.Cluster.HailEps
	}
	if c.Cluster.HailMinSamples > 0 {
		t.HailMinSamples = c.Cluster.HailMinSamples
	}
	if c.Cluster.AddrBufferDeg > 0 {
		t.AddrBuffer = c.Cluster.AddrBufferDeg
	}
	if c.Cluster.AddrEps > 0 {
		t.AddrEps = c.Cluster.AddrEps
	}
	if c.Cluster.AddrMinSamples > 0 {
		t.AddrMinSamples = c.Cluster.AddrMinSamples
	}
	if c.Addresses.Table != "" {
		t.AddressRelation = c.Addresses.Table
	}
	return t
}

func swdiOptions(c *config.Config) swdi.Options {
	return swdi.Options{
		BaseURL:    c.SWDI.BaseURL,
		TempDir:    c.SWDI.TempDir,
		RatePerSec: c.SWDI.RatePerSec,
		Burst:      c.SWDI.Burst,
		MaxRetries: c.SWDI.MaxRetries,
		Timeout:    time.Duration(c.SWDI.TimeoutSecs) * time.Second,
	}
}

func formatRunSummary(out io.Writer, s *pipeline.Summary) {
	fmt.Fprintf(out, "run %s\n", s.RunID)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tWINDOWS\tFETCHED\tSKIPPED\tFAILED\tHALTED\tEXPORT\tJOB")
	for _, r := range s.Regions {
		exp := ""
		if r.ExportPath != "" {
			exp = fmt.Sprintf("%s (%d rows)", r.ExportPath, r.ExportRows)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.Region, r.Windows, r.Fetched, r.Skipped, r.Failed, r.Halted, exp, r.JobID)
	}
	_ = tw.Flush()
}

func init() {
	pipelineRunCmd.Flags().StringVar(&runRegions, "regions", "", "comma-separated region codes (default from config)")
	pipelineRunCmd.Flags().StringVar(&runStart, "start", "", "range start, YYYY-MM-DD")
	pipelineRunCmd.Flags().StringVar(&runEnd, "end", "", "range end, YYYY-MM-DD")
	pipelineRunCmd.Flags().StringVar(&runDataset, "dataset", "", "SWDI dataset (default from config)")
	pipelineRunCmd.Flags().IntVar(&runChunkDays, "chunk-days", 45, "window size in days")
	pipelineRunCmd.Flags().IntVar(&runParallelism, "parallelism", 1, "concurrent fetch windows per region")
	pipelineRunCmd.Flags().BoolVar(&runForce, "force", false, "rebuild windows and clusters even when already present")
	pipelineRunCmd.Flags().Float64Var(&runHailEps, "hail-eps", 0, "hail DBSCAN eps in degrees")
	pipelineRunCmd.Flags().IntVar(&runHailMinSamples, "hail-min-samples", 0, "hail DBSCAN min samples")
	pipelineRunCmd.Flags().Float64Var(&runAddrBuffer, "addr-buffer", 0, "hail boundary buffer in degrees for address selection")
	pipelineRunCmd.Flags().Float64Var(&runAddrEps, "addr-eps", 0, "address DBSCAN eps in degrees")
	pipelineRunCmd.Flags().IntVar(&runAddrMinSamples, "addr-min-samples", 0, "address DBSCAN min samples")
	pipelineRunCmd.Flags().BoolVar(&runWithExport, "with-export", false, "chain target export after clustering")
	pipelineRunCmd.Flags().BoolVar(&runSubmit, "submit", false, "submit exported targets for skip tracing (implies --with-export)")
	_ = pipelineRunCmd.MarkFlagRequired("start")
	_ = pipelineRunCmd.MarkFlagRequired("end")
	pipelineCmd.AddCommand(pipelineRunCmd)
}
