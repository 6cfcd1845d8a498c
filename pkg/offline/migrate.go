package offline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hyperengineering/herdsync/migrations"
	"github.com/pressly/goose/v3"
)

// runMigrations applies the on-device schema.
func runMigrations(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.Client())
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
