package cluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/stormlead-cli/internal/catalog"
	"github.com/sells-group/stormlead-cli/internal/db"
)

// PostGIS is the default Clusterer: ST_ClusterDBSCAN over the source points
// and ST_ConvexHull per cluster, materialized server-side in one statement.
type PostGIS struct {
	pool db.Pool
}

// NewPostGIS returns a Clusterer backed by the given pool.
func NewPostGIS(pool db.Pool) *PostGIS {
	return &PostGIS{pool: pool}
}

// Cluster materializes hulls into req.Destination. Numeric parameters are
// inlined because CREATE TABLE AS does not accept bind parameters.
func (p *PostGIS) Cluster(ctx context.Context, req ClusterRequest) (ClusterResult, error) {
	idents := []string{req.Source, req.GeomColumn, req.Destination}
	if req.ParentRelation != "" {
		idents = append(idents, req.ParentRelation, req.ParentGeomColumn)
	}
	for _, ident := range idents {
		if err := catalog.ValidIdent(ident); err != nil {
			return ClusterResult{}, err
		}
	}
	if req.MinSamples <= 0 || req.Eps <= 0 {
		return ClusterResult{}, eris.Errorf("cluster: eps and minSamples must be positive, got %g/%d", req.Eps, req.MinSamples)
	}

	var sql string
	if req.ParentRelation == "" {
		sql = hailSQL(req)
	} else {
		sql = addrSQL(req)
	}
	tag, err := p.pool.Exec(ctx, sql)
	if err != nil {
		return ClusterResult{}, eris.Wrapf(err, "cluster: materialize %s", req.Destination)
	}
	return ClusterResult{Relation: req.Destination, Clusters: tag.RowsAffected()}, nil
}

// hullExpr buffers degenerate (point or line) hulls by a hair so every row is
// a polygon.
const hullExpr = `CASE WHEN ST_Dimension(ST_ConvexHull(ST_Collect(geom))) < 2 ` +
	`THEN ST_Buffer(ST_ConvexHull(ST_Collect(geom)), 1e-6) ` +
	`ELSE ST_ConvexHull(ST_Collect(geom)) END`

func hailSQL(req ClusterRequest) string {
	geom := pgx.Identifier{req.GeomColumn}.Sanitize()

	tStart := "NULL::timestamptz"
	tEnd := "NULL::timestamptz"
	if req.TimeStartColumn != "" {
		tStart = pgx.Identifier{req.TimeStartColumn}.Sanitize()
		// A single recognized timestamp serves as both span bounds.
		tEnd = tStart
		if req.TimeEndColumn != "" {
			tEnd = pgx.Identifier{req.TimeEndColumn}.Sanitize()
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s AS ", pgx.Identifier{req.Destination}.Sanitize())
	fmt.Fprintf(&b, "WITH pts AS (SELECT %s AS geom, %s AS t_start, %s AS t_end, ", geom, tStart, tEnd)
	fmt.Fprintf(&b, "ST_ClusterDBSCAN(%s, eps := %s, minpoints := %d) OVER () AS cid ",
		geom, formatDegrees(req.Eps), req.MinSamples)
	fmt.Fprintf(&b, "FROM %s WHERE %s IS NOT NULL) ", pgx.Identifier{req.Source}.Sanitize(), geom)
	fmt.Fprintf(&b, "SELECT cid AS cluster_id, COUNT(*)::bigint AS num_events, ")
	fmt.Fprintf(&b, "MIN(t_start) AS start_time, MAX(t_end) AS end_time, %s AS geom ", hullExpr)
	fmt.Fprintf(&b, "FROM pts WHERE cid IS NOT NULL GROUP BY cid")
	return b.String()
}

func addrSQL(req ClusterRequest) string {
	addrGeom := pgx.Identifier{req.GeomColumn}.Sanitize()
	parentGeom := pgx.Identifier{req.ParentGeomColumn}.Sanitize()

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s AS ", pgx.Identifier{req.Destination}.Sanitize())
	fmt.Fprintf(&b, "WITH areas AS (SELECT \"cluster_id\" AS hail_cluster_id, ")
	fmt.Fprintf(&b, "ST_Buffer(ST_Centroid(%s), %s) AS area FROM %s), ",
		parentGeom, formatDegrees(req.CentroidBuffer), pgx.Identifier{req.ParentRelation}.Sanitize())
	fmt.Fprintf(&b, "pts AS (SELECT h.hail_cluster_id, a.%s AS geom, ", addrGeom)
	fmt.Fprintf(&b, "ST_ClusterDBSCAN(a.%s, eps := %s, minpoints := %d) OVER (PARTITION BY h.hail_cluster_id) AS cid ",
		addrGeom, formatDegrees(req.Eps), req.MinSamples)
	fmt.Fprintf(&b, "FROM %s a JOIN areas h ON ST_Intersects(a.%s, h.area)) ",
		pgx.Identifier{req.Source}.Sanitize(), addrGeom)
	fmt.Fprintf(&b, "SELECT hail_cluster_id, cid AS addr_cluster_id, COUNT(*)::bigint AS num_addresses, ")
	fmt.Fprintf(&b, "%s AS geom FROM pts WHERE cid IS NOT NULL GROUP BY hail_cluster_id, cid", hullExpr)
	return b.String()
}

func formatDegrees(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
