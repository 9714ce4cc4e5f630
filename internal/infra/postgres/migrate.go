package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureIndexes creates the constraints AutoMigrate cannot express.
// The partial unique index is what makes concurrent creates and
// updates racing on the same short code resolve to exactly one winner:
// uniqueness applies only among rows that are not soft-deleted, so a
// deleted code can be claimed again.
func EnsureIndexes(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_urls_short_code_active
		ON urls (short_code)
		WHERE deleted_at IS NULL`

	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: create active short code index: %w", err)
	}
	return nil
}
