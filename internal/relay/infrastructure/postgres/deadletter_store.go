package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	relay "robot-relay/internal/relay/domain"
)

const defaultDeadLetterTable = "relay_dead_letters"

// DeadLetterStore is a Postgres implementation for relay dead letters.
type DeadLetterStore struct {
	db    *sql.DB
	table string
}

// DeadLetterOption configures the dead letter store.
type DeadLetterOption func(*DeadLetterStore)

// WithDeadLetterTable overrides the table name.
func WithDeadLetterTable(table string) DeadLetterOption {
	return func(store *DeadLetterStore) {
		if table != "" {
			store.table = table
		}
	}
}

// NewDeadLetterStore constructs a dead letter store.
func NewDeadLetterStore(db *sql.DB, opts ...DeadLetterOption) *DeadLetterStore {
	store := &DeadLetterStore{db: db, table: defaultDeadLetterTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// RecordFailure inserts or updates a dead letter.
func (s *DeadLetterStore) RecordFailure(ctx context.Context, letter relay.DeadLetter) error {
	if s == nil || s.db == nil {
		return errors.New("dead letter store: nil db")
	}
	if letter.ID == "" {
		return errors.New("dead letter store: empty id")
	}
	occurredAt := letter.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	kind,
	topic,
	item_key,
	payload,
	error,
	attempts,
	occurred_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
ON CONFLICT (id)
DO UPDATE SET
	error = EXCLUDED.error,
	attempts = %s.attempts + EXCLUDED.attempts,
	occurred_at = EXCLUDED.occurred_at`, s.table, s.table)

	_, err := s.db.ExecContext(ctx, query,
		letter.ID,
		string(letter.Kind),
		string(letter.Topic),
		letter.Key,
		letter.Payload,
		letter.Error,
		letter.Attempts,
		occurredAt,
	)
	return err
}

// ListDeadLetters returns up to limit dead letters, newest first.
func (s *DeadLetterStore) ListDeadLetters(ctx context.Context, limit int) ([]relay.DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("dead letter store: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT id, kind, topic, item_key, payload, error, attempts, occurred_at
FROM %s
ORDER BY occurred_at DESC
LIMIT $1`, s.table)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.DeadLetter
	for rows.Next() {
		var (
			letter relay.DeadLetter
			kind   string
			topic  string
		)
		if err := rows.Scan(&letter.ID, &kind, &topic, &letter.Key, &letter.Payload, &letter.Error, &letter.Attempts, &letter.OccurredAt); err != nil {
			return nil, err
		}
		letter.Kind = relay.DeadLetterKind(kind)
		letter.Topic = relay.Topic(topic)
		letter.OccurredAt = letter.OccurredAt.UTC()
		out = append(out, letter)
	}
	return out, rows.Err()
}
