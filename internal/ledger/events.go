package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sells-group/stormlead-cli/internal/db"
)

// Event status values. Every stage outcome lands here and in the structured
// log, so reruns are auditable and idempotency is observable.
const (
	EventSkip   = "skip"
	EventBuild  = "build"
	EventDone   = "done"
	EventFailed = "failed"
)

// RunEvent is a row of pipeline.run_events.
type RunEvent struct {
	ID        int64     `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Region    string    `json:"region"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventLog appends to and reads from pipeline.run_events.
type EventLog struct {
	pool db.Pool
}

// NewEventLog creates an EventLog backed by the given connection pool.
func NewEventLog(pool db.Pool) *EventLog {
	return &EventLog{pool: pool}
}

// Record appends one event row.
func (l *EventLog) Record(ctx context.Context, runID uuid.UUID, region, step, status, note string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO pipeline.run_events (run_id, region, step, status, note)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
		runID, region, step, status, note,
	)
	if err != nil {
		return eris.Wrapf(err, "events: record %s %s=%s", step, region, status)
	}
	return nil
}

// Recent returns the newest events first, optionally filtered to one region.
func (l *EventLog) Recent(ctx context.Context, region string, limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, run_id, region, step, status, note, created_at
		 FROM pipeline.run_events
		 WHERE ($1 = '' OR region = $1)
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		region, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "events: recent")
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var runID *uuid.UUID
		var note *string
		if err := rows.Scan(&e.ID, &runID, &e.Region, &e.Step, &e.Status, &note, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "events: scan event")
		}
		if runID != nil {
			e.RunID = *runID
		}
		if note != nil {
			e.Note = *note
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
