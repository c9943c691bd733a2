package postgres

import (
	"context"
	"database/sql"
	"errors"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS relay_dead_letters (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	topic TEXT NOT NULL,
	item_key TEXT NOT NULL,
	payload BYTEA,
	error TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS relay_dead_letters_occurred_at_idx ON relay_dead_letters (occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS relay_processed_deliveries (
	delivery_key TEXT PRIMARY KEY,
	processed_at TIMESTAMPTZ NOT NULL
)`,
}

// EnsureSchema creates the relay tables when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("postgres: nil db")
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
