package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker implements DB-based deduplication of inbound
// messages (tier 2 behind the in-memory LRU).
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks whether the message was already processed
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx,
		`SELECT 1 FROM intake.processed_messages WHERE dedup_key = $1`, key,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records the outcome; a second mark for the same key is ignored.
func (pic *PostgresIdempotencyChecker) MarkProcessed(ctx context.Context, key, outcome string) error {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	_, err := pic.db.ExecContext(ctx, `
		INSERT INTO intake.processed_messages (dedup_key, outcome)
		VALUES ($1, $2)
		ON CONFLICT (dedup_key) DO NOTHING`,
		key, outcome,
	)
	return err
}
