package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/xpm-connect/internal/repository"
)

// EnsureSchema creates the token table on startup if it is missing.
func EnsureSchema(lc fx.Lifecycle, pool *pgxpool.Pool, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureSchema(ctx, pool, logger)
		},
	})
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if _, err := pool.Exec(ctx, repository.PostgresSchema); err != nil {
		return fmt.Errorf("bootstrap token schema: %w", err)
	}
	if logger != nil {
		logger.Info("token schema ready", zap.String("table", "xero_tokens"))
	}
	return nil
}
