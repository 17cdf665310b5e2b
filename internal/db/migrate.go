package db

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schema string

// ChangeChannel is the NOTIFY channel the messages trigger writes to.
const ChangeChannel = "message_changes"

// Migrate applies the schema. Every statement is idempotent, so it runs on
// each boot.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	db.logger.Info("database schema applied")
	return nil
}
