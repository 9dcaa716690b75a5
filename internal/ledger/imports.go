package ledger

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/sells-group/stormlead-cli/internal/db"
)

// AddressImports tracks which catalog files the address loader has already
// consumed, keyed by file path, so reruns skip completed files.
type AddressImports struct {
	pool db.Pool
}

// NewAddressImports creates an AddressImports store backed by the given pool.
func NewAddressImports(pool db.Pool) *AddressImports {
	return &AddressImports{pool: pool}
}

// Loaded reports whether a file was already imported.
func (s *AddressImports) Loaded(ctx context.Context, filePath string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pipeline.address_imports WHERE file_path = $1)`,
		filePath,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "imports: probe %s", filePath)
	}
	return exists, nil
}

// MarkLoaded records a completed import, replacing any earlier marker for the
// same file.
func (s *AddressImports) MarkLoaded(ctx context.Context, filePath, region string, rowsLoaded int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline.address_imports (file_path, region, rows_loaded, loaded_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (file_path) DO UPDATE SET
		     region = EXCLUDED.region, rows_loaded = EXCLUDED.rows_loaded, loaded_at = now()`,
		filePath, region, rowsLoaded,
	)
	if err != nil {
		return eris.Wrapf(err, "imports: mark %s loaded", filePath)
	}
	return nil
}

// Forget drops the marker for a file so the next load re-imports it.
func (s *AddressImports) Forget(ctx context.Context, filePath string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM pipeline.address_imports WHERE file_path = $1`,
		filePath,
	)
	if err != nil {
		return eris.Wrapf(err, "imports: forget %s", filePath)
	}
	return nil
}
