package swdi

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/catalog"
)

const defaultBatchSize = 50000

// createStaging replaces the staging relation with a fresh one shaped for the
// parsed attribute columns plus the trailing geometry column.
func (c *Client) createStaging(ctx context.Context, staging string, cols []column) error {
	if err := catalog.DropRelation(ctx, c.pool, staging); err != nil {
		return err
	}

	defs := make([]string, 0, len(cols)+1)
	for _, col := range cols {
		defs = append(defs, fmt.Sprintf("%s %s", pgx.Identifier{col.name}.Sanitize(), col.sqlType))
	}
	defs = append(defs, `"geom" geometry(Geometry,4326)`)

	sql := fmt.Sprintf("CREATE TABLE %s (%s)",
		pgx.Identifier{staging}.Sanitize(), strings.Join(defs, ", "))
	if _, err := c.pool.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "swdi: create staging %s", staging)
	}
	return nil
}

// bulkLoad loads parsed rows into the staging relation using the COPY
// protocol, in batches of Options.BatchSize.
func (c *Client) bulkLoad(ctx context.Context, staging string, cols []column, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batchSize := c.opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	columns := make([]string, 0, len(cols)+1)
	for _, col := range cols {
		columns = append(columns, col.name)
	}
	columns = append(columns, "geom")

	log := zap.L().With(
		zap.String("component", "swdi.load"),
		zap.String("table", staging),
		zap.Int("total_rows", len(rows)),
	)

	var total int64
	for i := 0; i < len(rows); i += batchSize {
		end := i + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[i:end]

		n, err := c.pool.CopyFrom(
			ctx,
			pgx.Identifier{staging},
			columns,
			pgx.CopyFromRows(batch),
		)
		if err != nil {
			return total, eris.Wrapf(err, "swdi: COPY into %s (batch %d-%d)", staging, i, end)
		}
		total += n

		log.Debug("batch loaded",
			zap.Int("batch_start", i),
			zap.Int("batch_end", end),
			zap.Int64("batch_rows", n),
		)
	}

	return total, nil
}
