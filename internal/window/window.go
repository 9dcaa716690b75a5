// Package window plans the fixed-size time windows a date range is ingested in.
package window

import (
	"fmt"
	"time"

	"github.com/sells-group/stormlead-cli/internal/faults"
)

// TokenFormat is how window boundaries appear inside relation names.
const TokenFormat = "20060102"

// Window is one [Start, End) slice of the overall range. Immutable once planned.
type Window struct {
	Start time.Time
	End   time.Time
}

// StartToken returns the start date as a YYYYMMDD relation-name token.
func (w Window) StartToken() string { return w.Start.Format(TokenFormat) }

// EndToken returns the end date as a YYYYMMDD relation-name token.
func (w Window) EndToken() string { return w.End.Format(TokenFormat) }

func (w Window) String() string {
	return fmt.Sprintf("%s-%s", w.StartToken(), w.EndToken())
}

// Days returns the window length in whole days.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours() / 24)
}

// Plan splits [start, end) into contiguous, non-overlapping windows of
// chunkDays days. The final window is truncated so its end equals the overall
// end. Deterministic: the same inputs always produce the same sequence.
func Plan(start, end time.Time, chunkDays int) ([]Window, error) {
	if chunkDays <= 0 {
		return nil, &faults.ConfigurationError{
			Setting: "chunk-days",
			Err:     fmt.Errorf("must be positive, got %d", chunkDays),
		}
	}
	if !start.Before(end) {
		return nil, &faults.ConfigurationError{
			Setting: "date range",
			Err:     fmt.Errorf("start %s is not before end %s", start.Format(time.DateOnly), end.Format(time.DateOnly)),
		}
	}

	var windows []Window
	for cur := start; cur.Before(end); {
		next := cur.AddDate(0, 0, chunkDays)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{Start: cur, End: next})
		cur = next
	}
	return windows, nil
}
