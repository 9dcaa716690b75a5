// Package catalog owns the relation-name contract the pipeline stages
// coordinate through, plus the DDL-level operations on those relations
// (existence probes, staging renames, drops, index maintenance). Stage A never
// talks to stage B directly; it looks for the relations stage B's naming
// convention says must exist.
package catalog

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stormlead-cli/internal/window"
)

// Artifact kinds recorded in the pipeline.artifacts registry.
const (
	KindRaw          = "raw"
	KindConsolidated = "consolidated"
	KindHailClusters = "hail_clusters"
	KindAddrClusters = "addr_clusters"
	KindHailAlias    = "hail_alias"
	KindAddrAlias    = "addr_alias"
)

// Boundary kinds, the <kind> prefix of cluster-boundary relation names.
const (
	BoundaryHail = "hail"
	BoundaryAddr = "addr"
)

// indexPrefixMax keeps idx_<relation>_<col> under Postgres's 63-byte
// identifier limit by truncating the relation part.
const indexPrefixMax = 45

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdent rejects names that could not have come from this package's
// builders. Every dynamically assembled identifier passes through here before
// it reaches DDL.
func ValidIdent(name string) error {
	if name == "" || len(name) > 63 || !identPattern.MatchString(name) {
		return eris.Errorf("catalog: invalid relation identifier %q", name)
	}
	return nil
}

func rangeName(dataset, regionToken, startTok, endTok string) string {
	return fmt.Sprintf("%s_%s_%s_%s", dataset, regionToken, startTok, endTok)
}

// RawRelation names the per-window raw event relation.
func RawRelation(dataset, regionToken string, w window.Window) string {
	return rangeName(dataset, regionToken, w.StartToken(), w.EndToken())
}

// ConsolidatedView names the per-region union view over a full range. It
// shares the raw relation's shape on purpose: the range is just a wider
// window.
func ConsolidatedView(dataset, regionToken string, start, end time.Time) string {
	return rangeName(dataset, regionToken,
		start.Format(window.TokenFormat), end.Format(window.TokenFormat))
}

// StagingRelation names the window-scoped staging relation a fetch
// collaborator loads into before the rename to the deterministic per-window
// name. The window tokens keep concurrent fetches from sharing a target.
func StagingRelation(dataset, regionToken string, w window.Window) string {
	return fmt.Sprintf("%s_staging_%s_%s_%s", dataset, regionToken, w.StartToken(), w.EndToken())
}

// StagingPattern is the LIKE pattern matching staging leftovers for a
// (dataset, region).
func StagingPattern(dataset, regionToken string) string {
	return fmt.Sprintf("%s_staging_%s_%%", dataset, regionToken)
}

// BoundaryRelation names a range-scoped cluster-boundary relation.
func BoundaryRelation(kind, regionToken string, start, end time.Time) string {
	return fmt.Sprintf("%s_cluster_boundaries_%s_%s_%s", kind, regionToken,
		start.Format(window.TokenFormat), end.Format(window.TokenFormat))
}

// BoundaryAlias names the stable range-agnostic alias for a region's most
// recent cluster output.
func BoundaryAlias(kind, regionToken string) string {
	return fmt.Sprintf("%s_cluster_boundaries_%s", kind, regionToken)
}

// GeomIndexName names the spatial index for a relation's geometry column,
// truncating the relation part the same way regardless of who creates it so
// renames stay in lock-step.
func GeomIndexName(relation, geomCol string) string {
	trunc := relation
	if len(trunc) > indexPrefixMax {
		trunc = trunc[:indexPrefixMax]
	}
	return fmt.Sprintf("idx_%s_%s", trunc, geomCol)
}

// RawPattern is the LIKE pattern matching every raw relation for a
// (dataset, region). The consolidated view matches it too; callers filter on
// table_type or parse the name.
func RawPattern(dataset, regionToken string) string {
	return fmt.Sprintf("%s_%s_%%", dataset, regionToken)
}

// BoundaryPattern is the LIKE pattern matching every range-scoped boundary
// relation (and the alias) for a (kind, region).
func BoundaryPattern(kind, regionToken string) string {
	return fmt.Sprintf("%s_cluster_boundaries_%s%%", kind, regionToken)
}

// Token normalizes a free-form dataset or region fragment into the lowercase
// form used inside relation names.
func Token(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var rawNameRe = regexp.MustCompile(`^([a-z][a-z0-9_]*?)_([a-z]{2})_([0-9]{8})_([0-9]{8})$`)

// RawName is a parsed raw-relation (or consolidated-view) name.
type RawName struct {
	Dataset string
	Region  string
	Window  window.Window
}

// ParseRawRelation inverts RawRelation. The grammar is unambiguous because
// the region token is exactly two letters and the date tokens are exactly
// eight digits, so ok==true means the name round-trips.
func ParseRawRelation(name string) (RawName, bool) {
	m := rawNameRe.FindStringSubmatch(name)
	if m == nil {
		return RawName{}, false
	}
	start, err := time.Parse(window.TokenFormat, m[3])
	if err != nil {
		return RawName{}, false
	}
	end, err := time.Parse(window.TokenFormat, m[4])
	if err != nil {
		return RawName{}, false
	}
	if !start.Before(end) {
		return RawName{}, false
	}
	return RawName{
		Dataset: m[1],
		Region:  m[2],
		Window:  window.Window{Start: start, End: end},
	}, true
}

var boundaryNameRe = regexp.MustCompile(`^([a-z][a-z0-9]*)_cluster_boundaries_([a-z]{2})(?:_([0-9]{8})_([0-9]{8}))?$`)

// BoundaryName is a parsed cluster-boundary relation or alias name.
type BoundaryName struct {
	Kind   string
	Region string
	Start  time.Time
	End    time.Time
	Alias  bool // true when the name carries no range (the stable alias)
}

// ParseBoundaryRelation inverts BoundaryRelation and BoundaryAlias.
func ParseBoundaryRelation(name string) (BoundaryName, bool) {
	m := boundaryNameRe.FindStringSubmatch(name)
	if m == nil {
		return BoundaryName{}, false
	}
	out := BoundaryName{Kind: m[1], Region: m[2], Alias: m[3] == ""}
	if !out.Alias {
		start, err := time.Parse(window.TokenFormat, m[3])
		if err != nil {
			return BoundaryName{}, false
		}
		end, err := time.Parse(window.TokenFormat, m[4])
		if err != nil {
			return BoundaryName{}, false
		}
		if !start.Before(end) {
			return BoundaryName{}, false
		}
		out.Start, out.End = start, end
	}
	return out, true
}
