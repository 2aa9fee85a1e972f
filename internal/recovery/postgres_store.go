package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists recovery cases in the payment_timeouts table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const timeoutColumns = `id, transaction_id, payment_method, status,
	max_retries, current_retry, escalation_level,
	last_attempt, next_attempt, timeout_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, pt *PaymentTimeout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_timeouts (`+timeoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		pt.ID, pt.TransactionID, pt.PaymentMethod, string(pt.Status),
		pt.MaxRetries, pt.CurrentRetry, string(pt.EscalationLevel),
		nullTime(pt.LastAttempt), pt.NextAttempt, nullTime(pt.TimeoutAt),
		pt.CreatedAt, pt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment timeout: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*PaymentTimeout, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+timeoutColumns+` FROM payment_timeouts WHERE transaction_id = $1
	`, transactionID)
	pt, err := scanTimeout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return pt, err
}

func (s *PostgresStore) Update(ctx context.Context, pt *PaymentTimeout) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_timeouts SET
			status = $2, max_retries = $3, current_retry = $4, escalation_level = $5,
			last_attempt = $6, next_attempt = $7, timeout_at = $8, updated_at = $9
		WHERE id = $1
	`,
		pt.ID, string(pt.Status), pt.MaxRetries, pt.CurrentRetry, string(pt.EscalationLevel),
		nullTime(pt.LastAttempt), pt.NextAttempt, nullTime(pt.TimeoutAt), pt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment timeout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*PaymentTimeout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timeoutColumns+` FROM payment_timeouts
		WHERE status IN ('pending', 'retry') AND next_attempt <= $1
		ORDER BY next_attempt ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due timeouts: %w", err)
	}
	return collectTimeouts(rows)
}

func (s *PostgresStore) ListTimedOut(ctx context.Context, limit int) ([]*PaymentTimeout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timeoutColumns+` FROM payment_timeouts
		WHERE status = 'timeout'
		ORDER BY timeout_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query timed-out cases: %w", err)
	}
	return collectTimeouts(rows)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*PaymentTimeout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timeoutColumns+` FROM payment_timeouts
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query payment timeouts: %w", err)
	}
	return collectTimeouts(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimeout(row rowScanner) (*PaymentTimeout, error) {
	var (
		pt                     PaymentTimeout
		lastAttempt, timeoutAt sql.NullTime
	)
	err := row.Scan(
		&pt.ID, &pt.TransactionID, &pt.PaymentMethod, &pt.Status,
		&pt.MaxRetries, &pt.CurrentRetry, &pt.EscalationLevel,
		&lastAttempt, &pt.NextAttempt, &timeoutAt, &pt.CreatedAt, &pt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		pt.LastAttempt = &t
	}
	if timeoutAt.Valid {
		t := timeoutAt.Time
		pt.TimeoutAt = &t
	}
	return &pt, nil
}

func collectTimeouts(rows *sql.Rows) ([]*PaymentTimeout, error) {
	defer func() { _ = rows.Close() }()

	var out []*PaymentTimeout
	for rows.Next() {
		pt, err := scanTimeout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment timeout: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
