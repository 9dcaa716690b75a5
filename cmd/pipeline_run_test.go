package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/stormlead-cli/internal/cluster"
	"github.com/sells-group/stormlead-cli/internal/config"
	"github.com/sells-group/stormlead-cli/internal/pipeline"
)

func TestTuningFromConfig_Defaults(t *testing.T) {
	got := tuningFromConfig(&config.Config{})
	assert.Equal(t, cluster.DefaultTuning(), got)
}

func TestTuningFromConfig_Overrides(t *testing.T) {
	c := &config.Config{
		Cluster: config.ClusterConfig{
			HailEps:        0.1,
			HailMinSamples: 7,
			AddrBufferDeg:  0.02,
			AddrEps:        0.005,
			AddrMinSamples: 12,
		},
		Addresses: config.AddressesConfig{Table: "parcels"},
	}

	got := tuningFromConfig(c)
	assert.Equal(t, 0.1, got.HailEps)
	assert.Equal(t, 7, got.HailMinSamples)
	assert.Equal(t, 0.02, got.AddrBuffer)
	assert.Equal(t, 0.005, got.AddrEps)
	assert.Equal(t, 12, got.AddrMinSamples)
	assert.Equal(t, "parcels", got.AddressRelation)
}

func TestSwdiOptions(t *testing.T) {
	c := &config.Config{
		SWDI: config.SWDIConfig{
			BaseURL:     "https://example.com/swdi",
			TempDir:     "/tmp/swdi",
			RatePerSec:  4,
			Burst:       2,
			MaxRetries:  5,
			TimeoutSecs: 90,
		},
	}

	got := swdiOptions(c)
	assert.Equal(t, "https://example.com/swdi", got.BaseURL)
	assert.Equal(t, "/tmp/swdi", got.TempDir)
	assert.Equal(t, 4.0, got.RatePerSec)
	assert.Equal(t, 2, got.Burst)
	assert.Equal(t, 5, got.MaxRetries)
	assert.Equal(t, 90*time.Second, got.Timeout)
}

func TestFormatRunSummary(t *testing.T) {
	s := &pipeline.Summary{
		RunID: uuid.MustParse("3f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"),
		Regions: []pipeline.RegionOutcome{
			{
				Region:     "KY",
				Windows:    3,
				Fetched:    2,
				Skipped:    1,
				ExportPath: "exports/skiptrace_KY_20240601-120000_40km_200m.csv",
				ExportRows: 950,
				JobID:      "job-55",
			},
			{
				Region:  "GA",
				Windows: 3,
				Failed:  3,
				Halted:  "consolidate",
			},
		},
	}

	var buf bytes.Buffer
	formatRunSummary(&buf, s)

	output := buf.String()
	assert.Contains(t, output, "run 3f1e2d3c")
	assert.Contains(t, output, "REGION")
	assert.Contains(t, output, "HALTED")
	assert.Contains(t, output, "KY")
	assert.Contains(t, output, "skiptrace_KY_20240601-120000_40km_200m.csv (950 rows)")
	assert.Contains(t, output, "job-55")
	assert.Contains(t, output, "GA")
	assert.Contains(t, output, "consolidate")
}
