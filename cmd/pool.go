package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/stormlead-cli/internal/faults"
)

// openPool connects to the configured database and verifies the
// connection before handing it to a command.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.DB.URL == "" {
		return nil, faults.NewConfigurationError("db.url")
	}

	pc, err := pgxpool.ParseConfig(cfg.DB.URL)
	if err != nil {
		return nil, eris.Wrap(err, "parse db url")
	}
	if cfg.DB.MaxConns > 0 {
		pc.MaxConns = cfg.DB.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, eris.Wrap(err, "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping database")
	}
	return pool, nil
}
