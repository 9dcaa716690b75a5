package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/catalog"
	"github.com/sells-group/stormlead-cli/internal/db"
	"github.com/sells-group/stormlead-cli/internal/faults"
	"github.com/sells-group/stormlead-cli/internal/ledger"
	"github.com/sells-group/stormlead-cli/internal/window"
)

// Relation shapes produced before the region token and the addr_cluster prefix
// landed in the naming convention. The sweep covers them so a reset actually
// clears catalogs built by earlier tooling.
var (
	legacyRawRe  = regexp.MustCompile(`^swdi_([a-z0-9]+)_([0-9]{8})_([0-9]{8})$`)
	legacyAddrRe = regexp.MustCompile(`^address_clusters_([a-z]{2})_([0-9]{8})_([0-9]{8})$`)
)

// ResetRequest names what a reset tears down.
type ResetRequest struct {
	Dataset string
	Region  string
	Start   time.Time
	End     time.Time

	// RemoveFiles also deletes the region's export CSVs under ExportDir.
	RemoveFiles bool
	ExportDir   string
}

// ResetResult lists what a reset dropped.
type ResetResult struct {
	Views        []string
	Relations    []string
	Files        []string
	Deregistered int64
}

// Resetter tears a region's pipeline artifacts down so the next run rebuilds
// from scratch. Discovery goes through catalog pattern matching, not the
// registry: relations the registry never saw still get swept.
type Resetter struct {
	pool      db.Pool
	artifacts *ledger.ArtifactRegistry
}

// NewResetter wires a resetter.
func NewResetter(pool db.Pool) *Resetter {
	return &Resetter{pool: pool, artifacts: ledger.NewArtifactRegistry(pool)}
}

// Reset drops the region's artifacts for a range in dependency order: alias
// views first, then consolidated views, then boundary and raw relations whose
// embedded dates fall inside the range. Every drop is IF EXISTS; resetting an
// empty catalog succeeds.
func (rs *Resetter) Reset(ctx context.Context, req ResetRequest) (ResetResult, error) {
	dataset := catalog.Token(req.Dataset)
	token := catalog.Token(req.Region)
	if dataset == "" || token == "" {
		return ResetResult{}, &faults.ConfigurationError{Setting: "reset needs a dataset and a region"}
	}
	if !req.Start.Before(req.End) {
		return ResetResult{}, &faults.ConfigurationError{
			Setting: "reset date range",
			Err:     eris.New("start must be before end"),
		}
	}

	log := zap.L().With(
		zap.String("component", "reset"),
		zap.String("dataset", dataset),
		zap.String("region", token),
	)

	var res ResetResult

	// Alias views sit over the boundary relations, so they go first.
	views := []string{
		catalog.BoundaryAlias(catalog.BoundaryHail, token),
		catalog.BoundaryAlias(catalog.BoundaryAddr, token),
		catalog.ConsolidatedView(dataset, token, req.Start, req.End),
		legacyCombinedView(dataset, token, req.Start, req.End),
	}
	for _, view := range views {
		if err := catalog.DropViewIfExists(ctx, rs.pool, view); err != nil {
			// A collapsed consolidation leaves a base table on the view name;
			// the relation sweep below picks it up.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42809" {
				continue
			}
			return res, err
		}
		res.Views = append(res.Views, view)
	}

	relations, err := rs.discoverRelations(ctx, dataset, token, req.Start, req.End)
	if err != nil {
		return res, err
	}
	for _, name := range relations {
		if err := catalog.DropRelation(ctx, rs.pool, name); err != nil {
			return res, err
		}
		res.Relations = append(res.Relations, name)
	}

	dropped := append(append([]string{}, res.Views...), res.Relations...)
	n, err := rs.artifacts.Deregister(ctx, dropped)
	if err != nil {
		return res, err
	}
	m, err := rs.artifacts.DeregisterRange(ctx, dataset, token, req.Start, req.End)
	if err != nil {
		return res, err
	}
	res.Deregistered = n + m

	if req.RemoveFiles {
		files, err := rs.removeExports(req.ExportDir, req.Region)
		if err != nil {
			return res, err
		}
		res.Files = files
	}

	log.Info("reset complete",
		zap.Int("views", len(res.Views)),
		zap.Int("relations", len(res.Relations)),
		zap.Int("files", len(res.Files)),
		zap.Int64("deregistered", res.Deregistered))
	return res, nil
}

// discoverRelations sweeps boundary relations, raw windows, staging leftovers,
// and the legacy shapes, keeping only names whose embedded range falls inside
// the requested one. Staging relations are always junk and match regardless.
func (rs *Resetter) discoverRelations(ctx context.Context, dataset, token string, start, end time.Time) ([]string, error) {
	within := func(s, e time.Time) bool {
		return !s.Before(start) && !e.After(end)
	}
	var out []string

	for _, kind := range []string{catalog.BoundaryHail, catalog.BoundaryAddr} {
		names, err := catalog.ListTables(ctx, rs.pool, catalog.BoundaryPattern(kind, token))
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			parsed, ok := catalog.ParseBoundaryRelation(name)
			if !ok || parsed.Alias || !within(parsed.Start, parsed.End) {
				continue
			}
			out = append(out, name)
		}
	}

	legacyAddr, err := catalog.ListTables(ctx, rs.pool, fmt.Sprintf("address_clusters_%s_%%", token))
	if err != nil {
		return nil, err
	}
	for _, name := range legacyAddr {
		m := legacyAddrRe.FindStringSubmatch(name)
		if m == nil || m[1] != token {
			continue
		}
		if s, e, ok := parseRange(m[2], m[3]); ok && within(s, e) {
			out = append(out, name)
		}
	}

	raws, err := catalog.ListTables(ctx, rs.pool, catalog.RawPattern(dataset, token))
	if err != nil {
		return nil, err
	}
	for _, name := range raws {
		parsed, ok := catalog.ParseRawRelation(name)
		if !ok || !within(parsed.Window.Start, parsed.Window.End) {
			continue
		}
		out = append(out, name)
	}

	legacyRaw, err := catalog.ListTables(ctx, rs.pool, fmt.Sprintf("swdi_%s_%%", dataset))
	if err != nil {
		return nil, err
	}
	for _, name := range legacyRaw {
		m := legacyRawRe.FindStringSubmatch(name)
		if m == nil || m[1] != dataset {
			continue
		}
		if s, e, ok := parseRange(m[2], m[3]); ok && within(s, e) {
			out = append(out, name)
		}
	}

	staging, err := catalog.ListTables(ctx, rs.pool, catalog.StagingPattern(dataset, token))
	if err != nil {
		return nil, err
	}
	out = append(out, staging...)
	return out, nil
}

// removeExports deletes the region's export CSVs. Files already gone are not
// an error; a reset re-run must succeed.
func (rs *Resetter) removeExports(dir, regionCode string) ([]string, error) {
	if dir == "" {
		dir = "exports"
	}
	pattern := filepath.Join(dir, fmt.Sprintf("skiptrace_%s_*.csv", strings.ToUpper(strings.TrimSpace(regionCode))))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "reset: glob %s", pattern)
	}
	var removed []string
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, eris.Wrapf(err, "reset: remove %s", path)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

func legacyCombinedView(dataset, token string, start, end time.Time) string {
	return fmt.Sprintf("swdi_%s_%s_%s_%s", dataset, token,
		start.Format(window.TokenFormat), end.Format(window.TokenFormat))
}

func parseRange(startTok, endTok string) (time.Time, time.Time, bool) {
	s, err := time.Parse(window.TokenFormat, startTok)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	e, err := time.Parse(window.TokenFormat, endTok)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	if !s.Before(e) {
		return time.Time{}, time.Time{}, false
	}
	return s, e, true
}
