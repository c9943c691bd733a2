package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultProcessedTable = "relay_processed_deliveries"

// ProcessedStore is a Postgres implementation of delivery dedupe.
type ProcessedStore struct {
	db     *sql.DB
	table  string
	window time.Duration
}

// ProcessedOption configures the processed store.
type ProcessedOption func(*ProcessedStore)

// WithProcessedTable overrides table name.
func WithProcessedTable(table string) ProcessedOption {
	return func(store *ProcessedStore) {
		if table != "" {
			store.table = table
		}
	}
}

// NewProcessedStore constructs a processed store. Deliveries older than
// window are no longer treated as duplicates.
func NewProcessedStore(db *sql.DB, window time.Duration, opts ...ProcessedOption) *ProcessedStore {
	store := &ProcessedStore{db: db, table: defaultProcessedTable, window: window}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// HasProcessed checks if the delivery was already forwarded within the window.
func (s *ProcessedStore) HasProcessed(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("processed store: nil db")
	}
	if key == "" {
		return false, errors.New("processed store: empty key")
	}
	query := fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s WHERE delivery_key = $1 AND processed_at > $2
)`, s.table)
	var exists bool
	since := time.Now().UTC().Add(-s.window)
	if err := s.db.QueryRowContext(ctx, query, key, since).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// MarkProcessed records a delivery as forwarded.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("processed store: nil db")
	}
	if key == "" {
		return errors.New("processed store: empty key")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (delivery_key, processed_at)
VALUES ($1, $2)
ON CONFLICT (delivery_key)
DO UPDATE SET processed_at = EXCLUDED.processed_at`, s.table)
	_, err := s.db.ExecContext(ctx, query, key, time.Now().UTC())
	return err
}

// PruneExpired deletes deliveries older than the window and returns how many
// rows were removed.
func (s *ProcessedStore) PruneExpired(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("processed store: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE processed_at <= $1`, s.table)
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC().Add(-s.window))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
