package swdi

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/catalog"
)

// column is one staging-table column derived from a shapefile attribute field.
type column struct {
	name    string
	sqlType string
	idx     int // attribute index in the source .dbf
}

// stagingColumns derives the staging schema from the shapefile's attribute
// fields. Names are lowercased; fields that cannot become safe identifiers,
// duplicates, and a literal "geom" (reserved for the geometry column appended
// at load time) are skipped.
func stagingColumns(fields []shp.Field) []column {
	seen := make(map[string]bool, len(fields)+1)
	seen["geom"] = true

	var cols []column
	for i, f := range fields {
		name := strings.ToLower(strings.TrimRight(f.String(), "\x00"))
		if catalog.ValidIdent(name) != nil || seen[name] {
			zap.L().Debug("swdi: skipping attribute field", zap.String("field", name))
			continue
		}
		seen[name] = true
		cols = append(cols, column{name: name, sqlType: sqlTypeFor(f, name), idx: i})
	}
	return cols
}

// sqlTypeFor maps a dbf field to the staging column type. Recognized event
// time columns are stored as timestamps regardless of how the dbf types them,
// so the clustering span aggregates work without casts.
func sqlTypeFor(f shp.Field, name string) string {
	if catalog.IsTimeCandidate(name) {
		return "timestamptz"
	}
	switch f.Fieldtype {
	case 'N':
		if f.Precision > 0 {
			return "double precision"
		}
		return "bigint"
	case 'F':
		return "double precision"
	case 'D':
		return "date"
	case 'L':
		return "boolean"
	default:
		return "text"
	}
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"20060102150405",
	"2006-01-02",
}

// coerce converts a raw dbf attribute value to the staging column's Go
// representation. Values that do not parse become NULL rather than failing
// the load.
func coerce(raw, sqlType string) any {
	val := strings.TrimSpace(strings.TrimRight(raw, "\x00"))
	if val == "" {
		return nil
	}
	switch sqlType {
	case "timestamptz":
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, val, time.UTC); err == nil {
				return t.UTC()
			}
		}
		return nil
	case "bigint":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case "double precision":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil
		}
		return f
	case "date":
		t, err := time.ParseInLocation("20060102", val, time.UTC)
		if err != nil {
			return nil
		}
		return t
	case "boolean":
		switch val {
		case "T", "t", "Y", "y":
			return true
		case "F", "f", "N", "n":
			return false
		}
		return nil
	default:
		return val
	}
}

// parseShapefile reads a shapefile and returns the derived staging columns
// plus rows suitable for COPY loading, each with a trailing EWKB geometry.
// Records without an encodable geometry are skipped.
func parseShapefile(shpPath string) ([]column, [][]any, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "swdi: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	cols := stagingColumns(reader.Fields())

	var rows [][]any
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()

		wkb, encErr := encodeWKB(shape)
		if encErr != nil || wkb == nil {
			skipped++
			continue
		}

		row := make([]any, 0, len(cols)+1)
		for _, col := range cols {
			row = append(row, coerce(reader.Attribute(col.idx), col.sqlType))
		}
		row = append(row, wkb)
		rows = append(rows, row)
	}

	if skipped > 0 {
		zap.L().Debug("swdi: skipped records without encodable geometry",
			zap.String("file", filepath.Base(shpPath)),
			zap.Int("skipped", skipped),
		)
	}

	return cols, rows, nil
}
