package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists fraud checks in the fraud_checks table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const fraudColumns = `id, user_id, transaction_id, score, level, recommendation, flags, created_at`

// Record inserts a completed check. Flags are stored as JSONB.
func (s *PostgresStore) Record(ctx context.Context, check *Check) error {
	flags, err := json.Marshal(check.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_checks (`+fraudColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		check.ID,
		check.UserID,
		nullString(check.TransactionID),
		check.Score,
		string(check.Level),
		string(check.Recommendation),
		flags,
		check.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fraud check: %w", err)
	}
	return nil
}

// ListByUser returns the user's checks, most recent first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Check, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fraudColumns+`
		FROM fraud_checks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query fraud checks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Check
	for rows.Next() {
		check, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, check)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheck(row rowScanner) (*Check, error) {
	var (
		check Check
		txnID sql.NullString
		flags []byte
	)
	err := row.Scan(
		&check.ID,
		&check.UserID,
		&txnID,
		&check.Score,
		&check.Level,
		&check.Recommendation,
		&flags,
		&check.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan fraud check: %w", err)
	}
	check.TransactionID = txnID.String
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &check.Flags); err != nil {
			return nil, fmt.Errorf("unmarshal flags: %w", err)
		}
	}
	return &check, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
