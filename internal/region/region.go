// Package region defines the geographic regions the pipeline operates on: a
// two-letter code plus the bounding box used for source fetches and spatial
// filters. Built-in regions cover the current service area; additional regions
// come from a YAML overlay or config.
package region

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/stormlead-cli/internal/faults"
)

// BBox is a lon/lat bounding box in EPSG:4326.
type BBox struct {
	MinLng float64
	MinLat float64
	MaxLng float64
	MaxLat float64
}

// String renders the box as "minLng,minLat,maxLng,maxLat", the form the SWDI
// API and the config files use.
func (b BBox) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return fmt.Sprintf("%s,%s,%s,%s", f(b.MinLng), f(b.MinLat), f(b.MaxLng), f(b.MaxLat))
}

// ParseBBox parses "minLng,minLat,maxLng,maxLat".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, eris.Errorf("region: bbox %q must have 4 comma-separated values", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, eris.Wrapf(err, "region: bbox %q value %d", s, i+1)
		}
		vals[i] = v
	}
	b := BBox{MinLng: vals[0], MinLat: vals[1], MaxLng: vals[2], MaxLat: vals[3]}
	if err := b.validate(); err != nil {
		return BBox{}, err
	}
	return b, nil
}

func (b BBox) validate() error {
	if b.MinLng >= b.MaxLng || b.MinLat >= b.MaxLat {
		return eris.Errorf("region: bbox %s has min >= max", b)
	}
	if b.MinLng < -180 || b.MaxLng > 180 || b.MinLat < -90 || b.MaxLat > 90 {
		return eris.Errorf("region: bbox %s outside lon/lat bounds", b)
	}
	return nil
}

// Region is one service-area state.
type Region struct {
	Code string // upper-case postal code, e.g. "KY"
	BBox BBox
}

// Token returns the lower-case form used inside relation names.
func (r Region) Token() string { return strings.ToLower(r.Code) }

// builtin is the current service area.
var builtin = map[string]BBox{
	"GA": {MinLng: -85.61, MinLat: 30.36, MaxLng: -80.84, MaxLat: 35.00},
	"IN": {MinLng: -88.10, MinLat: 37.70, MaxLng: -84.79, MaxLat: 41.76},
	"OH": {MinLng: -84.82, MinLat: 38.40, MaxLng: -80.52, MaxLat: 41.98},
	"KY": {MinLng: -89.57, MinLat: 36.49, MaxLng: -81.97, MaxLat: 39.15},
}

// Lookup returns the built-in region for a code.
func Lookup(code string) (Region, bool) {
	b, ok := builtin[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Region{}, false
	}
	return Region{Code: strings.ToUpper(strings.TrimSpace(code)), BBox: b}, true
}

// All returns the built-in regions sorted by code.
func All() []Region {
	out := make([]Region, 0, len(builtin))
	for code, b := range builtin {
		out = append(out, Region{Code: code, BBox: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Resolve maps requested codes to regions. Overrides (code -> bbox string,
// from config or a regions file) take precedence over the built-in table. An
// unknown code is a configuration error: the run must not silently narrow its
// service area.
func Resolve(codes []string, overrides map[string]string) ([]Region, error) {
	if len(codes) == 0 {
		return nil, faults.NewConfigurationError("regions")
	}
	out := make([]Region, 0, len(codes))
	for _, raw := range codes {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" {
			continue
		}
		if s, ok := overrides[code]; ok {
			b, err := ParseBBox(s)
			if err != nil {
				return nil, &faults.ConfigurationError{Setting: "regions." + code, Err: err}
			}
			out = append(out, Region{Code: code, BBox: b})
			continue
		}
		r, ok := Lookup(code)
		if !ok {
			return nil, &faults.ConfigurationError{
				Setting: "regions",
				Err:     eris.Errorf("unknown region %q and no bbox override", code),
			}
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, faults.NewConfigurationError("regions")
	}
	return out, nil
}

// LoadFile reads a YAML overlay of additional regions:
//
//	regions:
//	  TN: "-90.31,34.98,-81.65,36.68"
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "region: read overlay %s", path)
	}
	var wrapper struct {
		Regions map[string]string `yaml:"regions"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "region: parse overlay %s", path)
	}
	out := make(map[string]string, len(wrapper.Regions))
	for code, bbox := range wrapper.Regions {
		out[strings.ToUpper(strings.TrimSpace(code))] = bbox
	}
	return out, nil
}
