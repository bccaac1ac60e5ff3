package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const createCredentialsTableSQL = `
CREATE TABLE IF NOT EXISTS integration_credentials (
	id                BIGINT PRIMARY KEY,
	org_id            BIGINT NOT NULL,
	kind              TEXT NOT NULL,
	credentials       BYTEA,
	security_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	enabled           BOOLEAN NOT NULL DEFAULT TRUE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (org_id, kind)
)`

// EnsureSchema creates the credential table for dev/e2e if missing. Managed
// environments run migrations out of band; this keeps a fresh database usable.
func EnsureSchema(lc fx.Lifecycle, pool *pgxpool.Pool, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := pool.Exec(ctx, createCredentialsTableSQL); err != nil {
				return fmt.Errorf("bootstrap schema: %w", err)
			}
			if logger != nil {
				logger.Debug("bootstrap schema ensured", zap.String("table", "integration_credentials"))
			}
			return nil
		},
	})
}
