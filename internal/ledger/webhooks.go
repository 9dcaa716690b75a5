package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sells-group/stormlead-cli/internal/db"
)

// WebhookEvent is a row of pipeline.webhook_events: one vendor callback with
// its raw JSON payload and headers, plus the best-effort extracted fields.
type WebhookEvent struct {
	ID         int64     `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	JobID      string    `json:"job_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	Payload    []byte    `json:"payload"`
	Headers    []byte    `json:"headers,omitempty"`
}

// WebhookEvents provides read/write access to pipeline.webhook_events.
type WebhookEvents struct {
	pool db.Pool
}

// NewWebhookEvents creates a WebhookEvents store backed by the given pool.
func NewWebhookEvents(pool db.Pool) *WebhookEvents {
	return &WebhookEvents{pool: pool}
}

// Insert appends one delivery and returns its id. Payload must be valid JSON;
// headers may be nil.
func (s *WebhookEvents) Insert(ctx context.Context, e WebhookEvent) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline.webhook_events (job_id, status, event_type, payload, headers)
		 VALUES (NULLIF($1, ''), NULLIF($2, ''), NULLIF($3, ''), $4, $5)
		 RETURNING id`,
		e.JobID, e.Status, e.EventType, e.Payload, e.Headers,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "webhooks: insert event")
	}
	return id, nil
}

// Recent returns the newest deliveries first.
func (s *WebhookEvents) Recent(ctx context.Context, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, received_at, job_id, status, event_type, payload, headers
		 FROM pipeline.webhook_events
		 ORDER BY received_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "webhooks: recent")
	}
	defer rows.Close()

	var events []WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		var jobID, status, eventType *string
		if err := rows.Scan(&e.ID, &e.ReceivedAt, &jobID, &status, &eventType, &e.Payload, &e.Headers); err != nil {
			return nil, eris.Wrap(err, "webhooks: scan event")
		}
		if jobID != nil {
			e.JobID = *jobID
		}
		if status != nil {
			e.Status = *status
		}
		if eventType != nil {
			e.EventType = *eventType
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
