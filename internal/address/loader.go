// Package address loads OpenAddresses-style GeoJSON catalogs into the shared
// address table the exporter selects targets from.
package address

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/stormlead-cli/internal/catalog"
	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/ledger"
)

// Candidate property names, checked in order. OpenAddresses county exports
// disagree on field naming across eras and sources.
var (
	numberFields = []string{"number", "house_number", "house", "addr_num"}
	streetFields = []string{"street", "street_name", "road", "addr_street"}
	fullFields   = []string{"address", "addr:full", "full_address"}
	cityFields   = []string{"city", "locality", "town"}
	zipFields    = []string{"postcode", "postal_code", "zip"}
)

var addressColumns = []string{"address", "city", "region", "zip", "geom"}

const defaultBatchSize = 5000

// Loader streams address catalogs into PostGIS, marking each finished file in
// the import ledger so reruns pick up where the last one stopped.
type Loader struct {
	pool      db.Pool
	imports   *ledger.AddressImports
	table     string
	batchSize int
	// force reloads files already marked imported. The copy appends; it does
	// not replace rows from the earlier load.
	force bool
	caser cases.Caser
}

// NewLoader wires a loader for the given address table. Zero values fall back
// to the "addresses" table and the default batch size.
func NewLoader(pool db.Pool, table string, batchSize int, force bool) *Loader {
	if table == "" {
		table = "addresses"
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Loader{
		pool:      pool,
		imports:   ledger.NewAddressImports(pool),
		table:     table,
		batchSize: batchSize,
		force:     force,
		caser:     cases.Title(language.English),
	}
}

// Summary reports one load invocation across all files.
type Summary struct {
	Files   int   // files loaded this run
	Skipped int   // files already imported
	Failed  int   // unreadable files marked done
	Rows    int64 // rows copied
}

// LoadAll imports every catalog file under the given paths for one region.
// Directories are walked for .geojson/.json files; explicit files are taken
// as-is. A file that cannot be parsed is logged, marked done, and skipped so
// one corrupt county export cannot wedge the whole load forever.
func (l *Loader) LoadAll(ctx context.Context, paths []string, region string) (Summary, error) {
	var sum Summary

	regionCode := strings.ToUpper(strings.TrimSpace(region))
	if regionCode == "" {
		return sum, &faults.ConfigurationError{Setting: "a region code is required to load addresses"}
	}
	if err := catalog.ValidIdent(l.table); err != nil {
		return sum, err
	}

	files, err := collectFiles(paths)
	if err != nil {
		return sum, err
	}
	if len(files) == 0 {
		return sum, &faults.ConfigurationError{Setting: "no .geojson or .json files under the given paths"}
	}

	if err := l.ensureTable(ctx); err != nil {
		return sum, err
	}

	log := zap.L().With(
		zap.String("component", "address"),
		zap.String("region", regionCode),
		zap.String("table", l.table),
	)

	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return sum, eris.Wrapf(err, "address: resolve %s", file)
		}

		if !l.force {
			done, err := l.imports.Loaded(ctx, abs)
			if err != nil {
				return sum, err
			}
			if done {
				sum.Skipped++
				log.Debug("already imported, skipping", zap.String("file", abs))
				continue
			}
		}

		rows, readErr := l.readCatalog(abs, regionCode)
		if readErr != nil {
			log.Warn("unreadable catalog file, marking done",
				zap.String("file", abs), zap.Error(readErr))
			if err := l.imports.MarkLoaded(ctx, abs, regionCode, 0); err != nil {
				return sum, err
			}
			sum.Failed++
			continue
		}

		n, err := l.copyRows(ctx, rows)
		if err != nil {
			return sum, err
		}
		if err := l.imports.MarkLoaded(ctx, abs, regionCode, n); err != nil {
			return sum, err
		}
		sum.Files++
		sum.Rows += n
		log.Info("catalog file loaded", zap.String("file", abs), zap.Int64("rows", n))
	}

	log.Info("address load finished",
		zap.Int("files", sum.Files),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int64("rows", sum.Rows),
	)
	return sum, nil
}

// ensureTable creates the address table and its GiST index if this is the
// first load. The table lives in public with the artifacts the exporter joins.
func (l *Loader) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id BIGSERIAL PRIMARY KEY, address TEXT NOT NULL, city TEXT, region TEXT, zip TEXT, geom geometry(Point,4326) NOT NULL)`,
		pgx.Identifier{l.table}.Sanitize())
	if _, err := l.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrapf(err, "address: ensure table %s", l.table)
	}
	return catalog.EnsureGeomIndex(ctx, l.pool, l.table, "geom")
}

// readCatalog parses one file into COPY rows. It accepts a FeatureCollection
// document or a stream of line-delimited Feature documents; json.Decoder
// reads successive top-level values, which covers both without sniffing.
func (l *Loader) readCatalog(path, region string) ([][]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "address: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var out [][]any
	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, eris.Wrapf(err, "address: decode %s", path)
		}

		var header struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &header); err != nil {
			return nil, eris.Wrapf(err, "address: decode %s", path)
		}

		switch header.Type {
		case "FeatureCollection":
			var fc geojson.FeatureCollection
			if err := json.Unmarshal(raw, &fc); err != nil {
				return nil, eris.Wrapf(err, "address: decode %s", path)
			}
			for _, ft := range fc.Features {
				if row, ok := l.featureRow(ft, region); ok {
					out = append(out, row)
				}
			}
		case "Feature":
			var ft geojson.Feature
			if err := json.Unmarshal(raw, &ft); err != nil {
				return nil, eris.Wrapf(err, "address: decode %s", path)
			}
			if row, ok := l.featureRow(&ft, region); ok {
				out = append(out, row)
			}
		default:
			return nil, eris.Errorf("address: %s: unsupported GeoJSON type %q", path, header.Type)
		}
	}
	return out, nil
}

// featureRow turns a feature into a COPY row, or reports it unusable when no
// address line or point location can be derived.
func (l *Loader) featureRow(ft *geojson.Feature, region string) ([]any, bool) {
	if ft == nil || ft.Geometry == nil {
		return nil, false
	}

	line := l.addressLine(ft.Properties)
	if line == "" {
		return nil, false
	}

	lon, lat, ok := pointCoords(ft.Geometry)
	if !ok {
		return nil, false
	}
	pt := geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(4326)
	wkb, err := ewkb.Marshal(pt, ewkb.NDR)
	if err != nil {
		return nil, false
	}

	var city, zip any
	if c := l.titled(findField(ft.Properties, cityFields)); c != "" {
		city = c
	}
	if z := findField(ft.Properties, zipFields); z != "" {
		zip = z
	}
	return []any{line, city, region, zip, wkb}, true
}

// addressLine synthesizes the street line: house number plus street when
// either is present, otherwise a pre-joined full-address field.
func (l *Loader) addressLine(props map[string]interface{}) string {
	num := findField(props, numberFields)
	street := findField(props, streetFields)
	line := strings.TrimSpace(num + " " + street)
	if line == "" {
		line = findField(props, fullFields)
	}
	return l.titled(line)
}

// titled title-cases and whitespace-folds a value. OpenAddresses exports are
// frequently all-caps with ragged spacing.
func (l *Loader) titled(s string) string {
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(l.caser.String(s)), " ")
}

// findField returns the first non-blank candidate property, trimmed. Numeric
// values are kept: house numbers arrive as JSON numbers in some catalogs.
func findField(props map[string]interface{}, candidates []string) string {
	for _, name := range candidates {
		v, ok := props[name]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// pointCoords extracts a lon/lat pair, collapsing non-point geometries to
// their centroid the way the exporter expects a single rooftop coordinate.
func pointCoords(g geom.T) (float64, float64, bool) {
	if pt, isPoint := g.(*geom.Point); isPoint {
		c := pt.Coords()
		if len(c) < 2 {
			return 0, 0, false
		}
		return c[0], c[1], true
	}
	c, err := xy.Centroid(g)
	if err != nil || len(c) < 2 || math.IsNaN(c[0]) || math.IsNaN(c[1]) {
		return 0, 0, false
	}
	return c[0], c[1], true
}

func (l *Loader) copyRows(ctx context.Context, rows [][]any) (int64, error) {
	var total int64
	for i := 0; i < len(rows); i += l.batchSize {
		end := i + l.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		n, err := db.CopyFrom(ctx, l.pool, l.table, addressColumns, rows[i:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// collectFiles expands directories into their catalog files and keeps the
// whole set in one deterministic order for resumable processing.
func collectFiles(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, eris.Wrapf(err, "address: stat %s", p)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			if isCatalogFile(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "address: walk %s", p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func isCatalogFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		return true
	}
	return false
}
