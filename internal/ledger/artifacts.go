package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/sells-group/stormlead-cli/internal/db"
)

// Artifact is a row of pipeline.artifacts: one produced relation keyed by
// (kind, dataset, region, range). Alias views carry the range of the relation
// they point at; the latest row wins on lookup.
type Artifact struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	Dataset    string    `json:"dataset"`
	Region     string    `json:"region"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`
	Relation   string    `json:"relation"`
	CreatedAt  time.Time `json:"created_at"`
}

// ArtifactRegistry provides read/write access to pipeline.artifacts.
type ArtifactRegistry struct {
	pool db.Pool
}

// NewArtifactRegistry creates a registry backed by the given connection pool.
func NewArtifactRegistry(pool db.Pool) *ArtifactRegistry {
	return &ArtifactRegistry{pool: pool}
}

// Register records a produced relation. Re-registering the same coordinates is
// a no-op, so concurrent runs that both produced the relation both succeed.
func (r *ArtifactRegistry) Register(ctx context.Context, a Artifact) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO pipeline.artifacts (kind, dataset, region, range_start, range_end, relation)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (kind, dataset, region, range_start, range_end) DO NOTHING`,
		a.Kind, a.Dataset, a.Region, a.RangeStart, a.RangeEnd, a.Relation,
	)
	if err != nil {
		return eris.Wrapf(err, "artifacts: register %s %s", a.Kind, a.Relation)
	}
	return nil
}

// Relations returns the distinct relation names of one kind for
// (dataset, region), ordered by name.
func (r *ArtifactRegistry) Relations(ctx context.Context, kind, dataset, region string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT relation FROM pipeline.artifacts
		 WHERE kind = $1 AND dataset = $2 AND region = $3
		 ORDER BY relation`,
		kind, dataset, region,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "artifacts: relations %s %s/%s", kind, dataset, region)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "artifacts: scan relation")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Latest returns the most recently registered artifact of one kind for
// (dataset, region), or nil when none was ever registered.
func (r *ArtifactRegistry) Latest(ctx context.Context, kind, dataset, region string) (*Artifact, error) {
	var a Artifact
	err := r.pool.QueryRow(ctx,
		`SELECT id, kind, dataset, region, range_start, range_end, relation, created_at
		 FROM pipeline.artifacts
		 WHERE kind = $1 AND dataset = $2 AND region = $3
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		kind, dataset, region,
	).Scan(&a.ID, &a.Kind, &a.Dataset, &a.Region, &a.RangeStart, &a.RangeEnd, &a.Relation, &a.CreatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "artifacts: latest %s %s/%s", kind, dataset, region)
	}
	return &a, nil
}

// Deregister removes every row whose relation name is in the given set and
// returns the number removed.
func (r *ArtifactRegistry) Deregister(ctx context.Context, relations []string) (int64, error) {
	if len(relations) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM pipeline.artifacts WHERE relation = ANY($1)`,
		relations,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "artifacts: deregister %d relations", len(relations))
	}
	return tag.RowsAffected(), nil
}

// DeregisterRange removes rows for (dataset, region) whose range falls inside
// [start, end] and returns the number removed. Resets run this alongside the
// catalog's pattern sweep to catch rows whose relations are already gone.
func (r *ArtifactRegistry) DeregisterRange(ctx context.Context, dataset, region string, start, end time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM pipeline.artifacts
		 WHERE dataset = $1 AND region = $2 AND range_start >= $3 AND range_end <= $4`,
		dataset, region, start, end,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "artifacts: deregister range %s/%s", dataset, region)
	}
	return tag.RowsAffected(), nil
}
