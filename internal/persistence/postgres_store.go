package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"DepositEngine/internal/event"
	"DepositEngine/internal/state"
)

const (
	// Partial unique index backing the one-open-deposit rule
	openDepositConstraint = "deposits_one_open_per_account_purpose"

	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"

	openStatusFilter = `status NOT IN ('completed', 'failed', 'reversed')`

	depositColumns = `id, user_id, account_id, currency, network, purpose, gross, fee_percent, fee, net, decimals,
		required_confirmations, confirmations, assignment_id, address, memo, shared_destination,
		tx_reference, proof_pointer, status, failure_reason, hold_reason, version,
		created_at, updated_at, confirmed_at, completed_at, resolved_at`

	eventColumns = `event_id, deposit_id, account_id, event_type, idempotency_key, payload, created_at, published_at`
)

// PostgresStore persists deposits and their outbox events.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the pool for health checks.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// --- Deposits ---

// CreateDeposit inserts a deposit and its creation events atomically. A
// violation of the one-open-deposit index becomes DuplicateOpenDepositError.
func (s *PostgresStore) CreateDeposit(ctx context.Context, d *state.Deposit, events []*event.Envelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO intake.deposits (` + depositColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, $27, $28)`

	if _, err := tx.ExecContext(ctx, query, depositArgs(d)...); err != nil {
		if isConstraintViolation(err, pqUniqueViolation, openDepositConstraint) {
			tx.Rollback()
			dup := &state.DuplicateOpenDepositError{AccountID: d.AccountID, Purpose: d.Purpose}
			if existing, lookupErr := s.FindOpenDeposit(ctx, d.AccountID, d.Purpose); lookupErr == nil {
				dup.ExistingID = existing.ID
			}
			return dup
		}
		return fmt.Errorf("insert deposit %s: %w", d.ID, err)
	}

	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create %s: %w", d.ID, err)
	}
	return nil
}

// UpdateDeposit writes the mutable columns if the stored version still equals
// expectedVersion, then appends events in the same transaction. On success
// d.Version is advanced.
func (s *PostgresStore) UpdateDeposit(ctx context.Context, d *state.Deposit, expectedVersion int64, events []*event.Envelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE intake.deposits
		SET confirmations = $3, status = $4, failure_reason = $5, hold_reason = $6, updated_at = $7,
		    confirmed_at = $8, completed_at = $9, resolved_at = $10, version = version + 1
		WHERE id = $1 AND version = $2`,
		d.ID, expectedVersion,
		d.Confirmations, string(d.Status), d.FailureReason, d.HoldReason, d.UpdatedAt,
		d.ConfirmedAt, d.CompletedAt, d.ResolvedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqCheckViolation {
			return fmt.Errorf("%w: %s", state.ErrIllegalTransition, pqErr.Message)
		}
		return fmt.Errorf("update deposit %s: %w", d.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM intake.deposits WHERE id = $1`, d.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return state.ErrDepositNotFound
		}
		if err != nil {
			return fmt.Errorf("check deposit %s: %w", d.ID, err)
		}
		return state.ErrVersionConflict
	}

	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update %s: %w", d.ID, err)
	}
	d.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) GetDeposit(ctx context.Context, id uuid.UUID) (*state.Deposit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM intake.deposits WHERE id = $1`, id)
	d, err := scanDeposit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrDepositNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit %s: %w", id, err)
	}
	return d, nil
}

// FindOpenDeposit returns the non-terminal deposit for (account, purpose).
func (s *PostgresStore) FindOpenDeposit(ctx context.Context, accountID string, purpose state.Purpose) (*state.Deposit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM intake.deposits
		WHERE account_id = $1 AND purpose = $2 AND `+openStatusFilter+`
		LIMIT 1`,
		accountID, string(purpose),
	)
	d, err := scanDeposit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrDepositNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open deposit %s/%s: %w", accountID, purpose, err)
	}
	return d, nil
}

// FindOpenByDestination lists open deposits paying into an address, oldest first.
func (s *PostgresStore) FindOpenByDestination(ctx context.Context, key state.AssetKey, address, memo string) ([]*state.Deposit, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM intake.deposits
		WHERE currency = $1 AND network = $2 AND address = $3 AND memo = $4 AND `+openStatusFilter+`
		ORDER BY created_at, id`,
		key.Currency, key.Network, address, memo,
	)
}

func (s *PostgresStore) ListAccountDeposits(ctx context.Context, accountID string, limit int) ([]*state.Deposit, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM intake.deposits
		WHERE account_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`,
		accountID, limit,
	)
}

// ListStaleOpen returns open deposits not updated since before.
func (s *PostgresStore) ListStaleOpen(ctx context.Context, before time.Time, limit int) ([]*state.Deposit, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM intake.deposits
		WHERE `+openStatusFilter+` AND updated_at < $1
		ORDER BY updated_at, id
		LIMIT $2`,
		before, limit,
	)
}

func (s *PostgresStore) queryDeposits(ctx context.Context, query string, args ...interface{}) ([]*state.Deposit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer rows.Close()

	var out []*state.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Events / outbox ---

func (s *PostgresStore) DepositEvents(ctx context.Context, depositID uuid.UUID) ([]*event.Envelope, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM intake.deposit_events WHERE deposit_id = $1 ORDER BY seq`,
		depositID,
	)
}

// FetchUnpublished returns the oldest unpublished events in commit order.
func (s *PostgresStore) FetchUnpublished(ctx context.Context, limit int) ([]*event.Envelope, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM intake.deposit_events
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT $1`,
		limit,
	)
}

func (s *PostgresStore) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE intake.deposit_events SET published_at = $1 WHERE event_id = ANY($2::uuid[]) AND published_at IS NULL`,
		at, pq.Array(strs),
	)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordPublishFailure(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE intake.deposit_events SET publish_attempts = publish_attempts + 1 WHERE event_id = $1`, id)
	return err
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*event.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*event.Envelope
	for rows.Next() {
		var (
			env         event.Envelope
			eventType   string
			payload     []byte
			publishedAt sql.NullTime
		)
		if err := rows.Scan(&env.EventID, &env.DepositID, &env.AccountID, &eventType,
			&env.IdempotencyKey, &payload, &env.Timestamp, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		et, err := event.ParseEventType(eventType)
		if err != nil {
			return nil, err
		}
		env.EventType = et
		env.Payload = payload
		if publishedAt.Valid {
			t := publishedAt.Time
			env.PublishedAt = &t
		}
		out = append(out, &env)
	}
	return out, rows.Err()
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []*event.Envelope) error {
	for _, e := range events {
		// jsonb takes text; a []byte would be sent as bytea
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO intake.deposit_events
				(event_id, deposit_id, account_id, event_type, idempotency_key, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_type, idempotency_key) DO NOTHING`,
			e.EventID, e.DepositID, e.AccountID, e.EventType.String(), e.IdempotencyKey,
			string(e.Payload), e.Timestamp,
		); err != nil {
			return fmt.Errorf("insert event %s %s: %w", e.EventType, e.IdempotencyKey, err)
		}
	}
	return nil
}

// --- Row mapping ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func depositArgs(d *state.Deposit) []interface{} {
	var assignment uuid.NullUUID
	if d.Destination.AssignmentID != uuid.Nil {
		assignment = uuid.NullUUID{UUID: d.Destination.AssignmentID, Valid: true}
	}
	return []interface{}{
		d.ID, d.UserID, d.AccountID, d.Currency, d.Network, string(d.Purpose),
		d.Gross, d.FeePercent, d.Fee, d.Net, d.Precision,
		d.RequiredConfirmations, d.Confirmations, assignment, d.Destination.Address, d.Destination.Memo, d.Destination.Shared,
		nullString(d.Evidence.TxReference), nullString(d.Evidence.ProofPointer),
		string(d.Status), d.FailureReason, d.HoldReason, d.Version,
		d.CreatedAt, d.UpdatedAt, d.ConfirmedAt, d.CompletedAt, d.ResolvedAt,
	}
}

func scanDeposit(row rowScanner) (*state.Deposit, error) {
	var (
		d                                     state.Deposit
		purpose, status                       string
		assignment                            uuid.NullUUID
		txRef, proof                          sql.NullString
		confirmedAt, completedAt, resolvedAt sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.UserID, &d.AccountID, &d.Currency, &d.Network, &purpose,
		&d.Gross, &d.FeePercent, &d.Fee, &d.Net, &d.Precision,
		&d.RequiredConfirmations, &d.Confirmations, &assignment, &d.Destination.Address, &d.Destination.Memo, &d.Destination.Shared,
		&txRef, &proof,
		&status, &d.FailureReason, &d.HoldReason, &d.Version,
		&d.CreatedAt, &d.UpdatedAt, &confirmedAt, &completedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Purpose = state.Purpose(purpose)
	d.Status = state.Status(status)
	if assignment.Valid {
		d.Destination.AssignmentID = assignment.UUID
	}
	d.Evidence = state.Evidence{TxReference: txRef.String, ProofPointer: proof.String}
	d.ConfirmedAt = nullTime(confirmedAt)
	d.CompletedAt = nullTime(completedAt)
	d.ResolvedAt = nullTime(resolvedAt)
	return &d, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func isConstraintViolation(err error, code, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == code && pqErr.Constraint == constraint
}
