package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hyperengineering/herdsync/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending server migrations using goose.
// It uses the embedded SQL files from the migrations package.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.Server())
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
