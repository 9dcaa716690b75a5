package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFields(t *testing.T) {
	cases := []struct {
		name      string
		doc       string
		jobID     string
		status    string
		eventType string
	}{
		{
			name:      "flat delivery",
			doc:       `{"jobId": "a", "status": "complete", "event": "job.finished"}`,
			jobID:     "a",
			status:    "complete",
			eventType: "job.finished",
		},
		{
			name:  "snake case job id",
			doc:   `{"job_id": "b"}`,
			jobID: "b",
		},
		{
			name:  "numeric id",
			doc:   `{"id": 123}`,
			jobID: "123",
		},
		{
			name:  "jobId wins over id",
			doc:   `{"id": "fallback", "jobId": "top"}`,
			jobID: "top",
		},
		{
			name:   "fields nested under data",
			doc:    `{"data": {"id": "d1", "status": "queued"}}`,
			jobID:  "d1",
			status: "queued",
		},
		{
			name:   "status object with text",
			doc:    `{"status": {"text": "Complete"}}`,
			status: "Complete",
		},
		{
			name:   "status object with state",
			doc:    `{"status": {"state": "failed"}}`,
			status: "failed",
		},
		{
			name:   "status object with message",
			doc:    `{"status": {"message": "on hold"}}`,
			status: "on hold",
		},
		{
			name:   "numeric status",
			doc:    `{"status": 200}`,
			status: "200",
		},
		{
			name:      "type as event key",
			doc:       `{"jobId": "x", "type": "callback"}`,
			jobID:     "x",
			eventType: "callback",
		},
		{
			name:      "action as event key",
			doc:       `{"action": "deliver"}`,
			eventType: "deliver",
		},
		{
			name: "empty document",
			doc:  `{}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var doc map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(tc.doc), &doc))
			jobID, status, eventType := extractFields(doc)
			assert.Equal(t, tc.jobID, jobID)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.eventType, eventType)
		})
	}
}

func TestExtractFields_NilDocument(t *testing.T) {
	jobID, status, eventType := extractFields(nil)
	assert.Empty(t, jobID)
	assert.Empty(t, status)
	assert.Empty(t, eventType)
}
