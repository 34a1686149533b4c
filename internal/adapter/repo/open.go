package repo

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"genqueue/internal/domain"
	"genqueue/internal/infra"
)

// OpenJobStore connects to PostgreSQL when DATABASE_URL is set and falls back
// to SQLite otherwise. The schema is ensured before returning. The returned
// close func releases the underlying connections.
func OpenJobStore(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (domain.JobStore, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		store := NewJobRepository(infra.NewSQLRunner(pool, logger))
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Str("driver", "postgres").Msg("job store ready")
		return store, pool.Close, nil
	}

	db, err := infra.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	store := NewSQLiteJobRepository(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("sqlite: %w", err)
	}
	logger.Info().Str("driver", "sqlite").Str("path", cfg.SQLitePath).Msg("job store ready")
	return store, func() { _ = db.Close() }, nil
}
