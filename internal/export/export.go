// Package export selects skip-trace target addresses near recent cluster
// boundaries and writes them as a CSV artifact with a provenance row in
// pipeline.export_runs.
package export

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/catalog"
	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/ledger"
)

// Params are the inputs of one export invocation.
type Params struct {
	Region       string
	CenterLon    float64
	CenterLat    float64
	RadiusKM     float64
	DistM        float64
	Target       int
	IncludeMulti bool

	// Source overrides the cluster-boundary relation; empty means the
	// region's stable hail alias.
	Source string
	// AddressTable defaults to "addresses".
	AddressTable string
	// OutPath overrides the generated artifact path under Dir.
	OutPath string
	Dir     string
}

// Target is one output row. Field order is the CSV column order.
type Target struct {
	ID        int64      `csv:"id"`
	Address   string     `csv:"address"`
	City      string     `csv:"city"`
	State     string     `csv:"state"`
	Zip       string     `csv:"zip"`
	Lon       float64    `csv:"lon"`
	Lat       float64    `csv:"lat"`
	StormTime *time.Time `csv:"storm_time"`
	DistanceM float64    `csv:"distance_m"`
}

// Result reports what an export produced.
type Result struct {
	RunID  int64
	Path   string
	Rows   int
	Source string
}

// Engine runs target exports. Every invocation creates a new provenance row
// and a new artifact, even for identical parameters.
type Engine struct {
	pool  db.Pool
	runs  *ledger.ExportRuns
	clock clockwork.Clock
}

// NewEngine wires an export engine.
func NewEngine(pool db.Pool, clock clockwork.Clock) *Engine {
	return &Engine{pool: pool, runs: ledger.NewExportRuns(pool), clock: clock}
}

// Run selects, ranks, and caps target addresses, writing the CSV artifact.
// The provenance row is inserted before the file is written so a crashed run
// is still visible in the ledger.
func (e *Engine) Run(ctx context.Context, p Params) (Result, error) {
	regionCode := strings.ToUpper(strings.TrimSpace(p.Region))
	if regionCode == "" {
		return Result{}, &faults.ConfigurationError{Setting: "export region is required"}
	}
	if p.Target <= 0 {
		return Result{}, &faults.ConfigurationError{Setting: "export target cap must be > 0"}
	}

	source := p.Source
	if source == "" {
		source = catalog.BoundaryAlias(catalog.BoundaryHail, catalog.Token(p.Region))
	}
	addrTable := p.AddressTable
	if addrTable == "" {
		addrTable = "addresses"
	}
	if err := catalog.ValidIdent(source); err != nil {
		return Result{}, err
	}
	if err := catalog.ValidIdent(addrTable); err != nil {
		return Result{}, err
	}

	log := zap.L().With(
		zap.String("component", "export"),
		zap.String("region", regionCode),
		zap.String("source", source),
	)

	geomCol, err := catalog.GeometryColumn(ctx, e.pool, source)
	if err != nil {
		return Result{}, err
	}
	tStart, tEnd, err := catalog.TimeColumns(ctx, e.pool, source)
	if err != nil {
		return Result{}, err
	}

	outPath := p.OutPath
	if outPath == "" {
		dir := p.Dir
		if dir == "" {
			dir = "exports"
		}
		stamp := e.clock.Now().UTC().Format("20060102-150405")
		outPath = filepath.Join(dir, fmt.Sprintf("skiptrace_%s_%s_%dkm_%dm.csv",
			regionCode, stamp, int(p.RadiusKM), int(p.DistM)))
	}

	runID, err := e.runs.Insert(ctx, ledger.ExportRun{
		Region:          regionCode,
		CenterLon:       p.CenterLon,
		CenterLat:       p.CenterLat,
		RadiusKM:        p.RadiusKM,
		DistM:           p.DistM,
		TargetCap:       p.Target,
		IncludeMulti:    p.IncludeMulti,
		SourceRelations: []string{source},
		OutputPath:      outPath,
	})
	if err != nil {
		return Result{}, err
	}

	radiusM := int(math.Round(p.RadiusKM * 1000))
	sql := buildQuery(source, addrTable, geomCol, tStart, tEnd, p.IncludeMulti)
	targets, err := e.selectTargets(ctx, sql, p.CenterLon, p.CenterLat, radiusM, regionCode, p.DistM, p.Target)
	if err != nil {
		return Result{}, err
	}

	if err := writeCSV(outPath, targets); err != nil {
		return Result{}, err
	}
	if err := e.runs.SetExportedRows(ctx, runID, len(targets)); err != nil {
		return Result{}, err
	}

	log.Info("targets exported",
		zap.Int64("run_id", runID),
		zap.Int("rows", len(targets)),
		zap.String("path", outPath))
	return Result{RunID: runID, Path: outPath, Rows: len(targets), Source: source}, nil
}

func (e *Engine) selectTargets(ctx context.Context, sql string, args ...any) ([]Target, error) {
	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "export: query targets")
	}
	defer rows.Close()

	targets := make([]Target, 0, 64)
	for rows.Next() {
		var t Target
		var city, zip *string
		if err := rows.Scan(&t.ID, &t.Address, &city, &t.State, &zip,
			&t.Lon, &t.Lat, &t.StormTime, &t.DistanceM); err != nil {
			return nil, eris.Wrap(err, "export: scan target")
		}
		if city != nil {
			t.City = *city
		}
		if zip != nil {
			t.Zip = *zip
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// buildQuery assembles the selection statement over validated identifiers.
// Bind order: $1 lon, $2 lat, $3 radius m, $4 region code, $5 max distance m,
// $6 cap.
func buildQuery(source, addrTable, geomCol, tStart, tEnd string, includeMulti bool) string {
	geom := pgx.Identifier{geomCol}.Sanitize()
	src := pgx.Identifier{source}.Sanitize()
	addr := pgx.Identifier{addrTable}.Sanitize()

	timeProj := `NULL::timestamptz AS start_time, NULL::timestamptz AS end_time`
	if tStart != "" {
		if tEnd == "" {
			tEnd = tStart
		}
		timeProj = fmt.Sprintf(
			`NULLIF(%s, TIMESTAMP 'epoch') AS start_time, NULLIF(%s, TIMESTAMP 'epoch') AS end_time`,
			pgx.Identifier{tStart}.Sanitize(), pgx.Identifier{tEnd}.Sanitize())
	}

	multiFilter := "\n    AND address !~* '(APT|UNIT|STE|SUITE|#[[:space:]]*[0-9]+)'"
	if includeMulti {
		multiFilter = ""
	}

	return fmt.Sprintf(`WITH params AS (
  SELECT ST_Transform(ST_Buffer(ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), 4326), 3857), $3), 4326) AS target_area
),
hail AS (
  SELECT %s AS geom, %s
  FROM public.%s
  WHERE ST_Intersects(%s, (SELECT target_area FROM params))
),
addr AS (
  SELECT DISTINCT ON (lower(coalesce(address, '')), coalesce(zip, ''))
         id, address, city, region, zip, geom
  FROM public.%s
  WHERE region = $4
    AND address IS NOT NULL
    AND address !~* 'PO[[:space:]]*BOX'%s
    AND ST_Intersects(geom, (SELECT target_area FROM params))
  ORDER BY lower(coalesce(address, '')), coalesce(zip, ''), id
)
SELECT id, address, city, state, zip, lon, lat, storm_time, distance_m
FROM (
  SELECT DISTINCT ON (a.id)
         a.id, a.address, a.city, a.region AS state, a.zip,
         ST_X(a.geom) AS lon, ST_Y(a.geom) AS lat,
         COALESCE(h.end_time, h.start_time) AS storm_time,
         ROUND(ST_Distance(a.geom::geography, h.geom::geography)::numeric, 1) AS distance_m
  FROM addr a
  JOIN hail h ON ST_DWithin(a.geom::geography, h.geom::geography, $5)
  ORDER BY a.id, storm_time DESC NULLS LAST, distance_m ASC
) ranked
ORDER BY storm_time DESC NULLS LAST, distance_m ASC, id
LIMIT $6`,
		geom, timeProj, src, geom, addr, multiFilter)
}

func writeCSV(path string, targets []Target) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "export: create dir %s", dir)
		}
	}
	data, err := csvutil.Marshal(targets)
	if err != nil {
		return eris.Wrap(err, "export: encode csv")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "export: write %s", path)
	}
	return nil
}
