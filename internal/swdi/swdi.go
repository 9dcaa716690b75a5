// Package swdi fetches storm-event observations from NOAA's Severe Weather
// Data Inventory and loads each (dataset, region, window) into a staging
// relation for the ingestion stage to promote. It is the default fetch
// collaborator: rate-limited HTTP download of the windowed shapefile archive,
// zip extraction, shapefile decode, and COPY bulk load.
package swdi

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/stormlead-cli/internal/catalog"
	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/region"
	"github.com/sells-group/stormlead-cli/internal/window"
)

// DefaultBaseURL is the SWDI web-services root.
const DefaultBaseURL = "https://www.ncdc.noaa.gov/swdiws"

// Datasets the SWDI shapefile endpoint serves.
var Datasets = []string{"warn", "nx3tvs", "nx3meso", "nx3hail", "nx3structure"}

// KnownDataset reports whether the shapefile endpoint serves this dataset.
func KnownDataset(name string) bool {
	for _, d := range Datasets {
		if d == name {
			return true
		}
	}
	return false
}

// Options configures the SWDI client.
type Options struct {
	BaseURL    string
	TempDir    string
	UserAgent  string
	RatePerSec float64
	Burst      int
	MaxRetries int
	Timeout    time.Duration
	BatchSize  int // COPY batch size (default 50,000)
}

// Client downloads windowed SWDI shapefile archives and stages them in
// Postgres. Safe for concurrent use; the rate limiter is shared across all
// in-flight fetches.
type Client struct {
	pool    db.Pool
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
}

// New creates an SWDI client with defaults applied for zero-valued options.
func New(pool db.Pool, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "stormlead")
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "stormlead-cli/1.0"
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Client{
		pool:    pool,
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
	}
}

// Fetch downloads one window of a dataset, loads it into the window's staging
// relation, and returns the relation name and row count. A window the service
// answers with no events still produces the (empty) staging relation, so
// existence marks the window complete and reruns skip it.
func (c *Client) Fetch(ctx context.Context, dataset, regionToken string, bbox region.BBox, w window.Window) (string, int64, error) {
	staging := catalog.StagingRelation(dataset, regionToken, w)
	if err := catalog.ValidIdent(staging); err != nil {
		return "", 0, err
	}

	log := zap.L().With(
		zap.String("component", "swdi"),
		zap.String("dataset", dataset),
		zap.String("region", regionToken),
		zap.String("window", w.String()),
	)

	shpPath, empty, err := c.download(ctx, dataset, regionToken, bbox, w)
	if err != nil {
		return "", 0, err
	}

	var cols []column
	var rows [][]any
	if empty {
		log.Info("no events in window")
	} else {
		cols, rows, err = parseShapefile(shpPath)
		if err != nil {
			return "", 0, err
		}
	}

	if err := c.createStaging(ctx, staging, cols); err != nil {
		return "", 0, err
	}
	n, err := c.bulkLoad(ctx, staging, cols, rows)
	if err != nil {
		return "", 0, err
	}
	if err := catalog.EnsureGeomIndex(ctx, c.pool, staging, "geom"); err != nil {
		return "", 0, err
	}

	log.Info("window staged", zap.String("staging", staging), zap.Int64("rows", n))
	return staging, n, nil
}
