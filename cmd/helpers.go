package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/pipeline"
)

const dateLayout = "2006-01-02"

// parseDate parses a YYYY-MM-DD flag value. The flag name goes into the
// error so the operator knows which one to fix.
func parseDate(flag, value string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, &faults.ConfigurationError{
			Setting: flag,
			Err:     eris.Errorf("%q is not a YYYY-MM-DD date", value),
		}
	}
	return t, nil
}

// parseCenter parses a "lon,lat" pair.
func parseCenter(s string) (pipeline.Center, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return pipeline.Center{}, eris.Errorf("%q is not a lon,lat pair", s)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return pipeline.Center{}, eris.Errorf("bad longitude in %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return pipeline.Center{}, eris.Errorf("bad latitude in %q", s)
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return pipeline.Center{}, eris.Errorf("%q is out of range", s)
	}
	return pipeline.Center{Lon: lon, Lat: lat}, nil
}

// exportCenters parses the configured region -> "lon,lat" map.
func exportCenters(raw map[string]string) (map[string]pipeline.Center, error) {
	centers := make(map[string]pipeline.Center, len(raw))
	for code, val := range raw {
		c, err := parseCenter(val)
		if err != nil {
			return nil, &faults.ConfigurationError{
				Setting: "export.centers." + strings.ToLower(code),
				Err:     err,
			}
		}
		centers[strings.ToUpper(code)] = c
	}
	return centers, nil
}
