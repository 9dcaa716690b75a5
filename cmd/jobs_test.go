package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/stormlead-cli/internal/skiptrace"
)

func TestJobStatusLine(t *testing.T) {
	assert.Equal(t, "status unknown", jobStatusLine(&skiptrace.Job{}))
	assert.Equal(t, "processing", jobStatusLine(&skiptrace.Job{Status: "processing"}))
	assert.Equal(t, "complete (finished)", jobStatusLine(&skiptrace.Job{Status: "complete", Done: true}))
}
