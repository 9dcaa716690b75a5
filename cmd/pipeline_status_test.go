package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/stormlead-cli/internal/ledger"
)

func TestFormatStageEntries(t *testing.T) {
	updated := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	entries := []ledger.StageEntry{
		{
			Dataset:     "nx3hail",
			Region:      "ky",
			WindowStart: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			WindowEnd:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			Stage:       ledger.StageIngest,
			Status:      ledger.StatusPresent,
			Attempts:    1,
			UpdatedAt:   updated,
		},
		{
			Dataset:     "nx3hail",
			Region:      "ky",
			WindowStart: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			WindowEnd:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			Stage:       ledger.StageHailCluster,
			Status:      ledger.StatusFailed,
			Attempts:    2,
			LastError:   "cluster collaborator failed for nx3hail ky: exit status 1, epsilon too small for the configured sample floor",
			UpdatedAt:   updated,
		},
	}

	var buf bytes.Buffer
	formatStageEntries(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "REGION")
	assert.Contains(t, output, "WINDOW")
	assert.Contains(t, output, "20240501_20240601")
	assert.Contains(t, output, "ingest")
	assert.Contains(t, output, "present")
	assert.Contains(t, output, "hail_cluster")
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "2024-06-01 12:30")
	// Long errors are truncated for the table.
	assert.Contains(t, output, "...")
	assert.NotContains(t, output, "sample floor")
}

func TestFormatRunEvents(t *testing.T) {
	created := time.Date(2024, 6, 1, 12, 45, 30, 0, time.UTC)
	events := []ledger.RunEvent{
		{
			ID:        1,
			RunID:     uuid.MustParse("3f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"),
			Region:    "KY",
			Step:      "export",
			Status:    "done",
			Note:      "950 rows",
			CreatedAt: created,
		},
	}

	var buf bytes.Buffer
	formatRunEvents(&buf, events)

	output := buf.String()
	assert.Contains(t, output, "TIME")
	assert.Contains(t, output, "2024-06-01 12:45:30")
	assert.Contains(t, output, "KY")
	assert.Contains(t, output, "export")
	assert.Contains(t, output, "done")
	assert.Contains(t, output, "950 rows")
}

func TestTruncateNote(t *testing.T) {
	assert.Equal(t, "short", truncateNote("short"))

	long := strings.Repeat("x", 80)
	got := truncateNote(long)
	assert.Len(t, got, 60)
	assert.True(t, strings.HasSuffix(got, "..."))
}
