package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the escrow ledger. Uniqueness rules live in the
// schema: a partial unique index keeps one active transaction per book, and
// confirmation_events carries a unique (transaction_id, role, action) key.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, book_id, borrower_id, lender_id,
	total_amount, rental_fee, security_deposit, platform_fee,
	status, lender_confirmed, borrower_confirmed,
	payment_method, payment_id, encrypted_payment, country,
	refund_reason, notes,
	created_at, expires_at, confirmed_at, completed_at, refunded_at`

func (s *PostgresStore) Create(ctx context.Context, txn *Transaction) error {
	blob, err := marshalBlob(txn)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		txn.ID, txn.BookID, txn.BorrowerID, txn.LenderID,
		txn.TotalAmount, txn.RentalFee, txn.SecurityDeposit, txn.PlatformFee,
		string(txn.Status), txn.LenderConfirmed, txn.BorrowerConfirmed,
		txn.PaymentMethod, nullString(txn.PaymentID), blob, nullString(txn.Country),
		nullString(txn.RefundReason), nullString(txn.Notes),
		txn.CreatedAt, txn.ExpiresAt, nullTime(txn.ConfirmedAt), nullTime(txn.CompletedAt), nullTime(txn.RefundedAt),
	)
	if isUniqueViolation(err, "escrow_transactions_active_book") {
		return ErrBookConflict
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions WHERE id = $1
	`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return txn, err
}

func (s *PostgresStore) Update(ctx context.Context, txn *Transaction) error {
	blob, err := marshalBlob(txn)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $2, lender_confirmed = $3, borrower_confirmed = $4,
			payment_id = $5, encrypted_payment = $6,
			refund_reason = $7, notes = $8,
			confirmed_at = $9, completed_at = $10, refunded_at = $11
		WHERE id = $1
	`,
		txn.ID,
		string(txn.Status), txn.LenderConfirmed, txn.BorrowerConfirmed,
		nullString(txn.PaymentID), blob,
		nullString(txn.RefundReason), nullString(txn.Notes),
		nullTime(txn.ConfirmedAt), nullTime(txn.CompletedAt), nullTime(txn.RefundedAt),
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE borrower_id = $1 OR lender_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE status IN ('pending', 'paid') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (s *PostgresStore) AppendConfirmation(ctx context.Context, ev *ConfirmationEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO confirmation_events
			(id, transaction_id, role, action, actor_id, ip_address, device_fingerprint, photo_url, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		ev.ID, ev.TransactionID, string(ev.Role), string(ev.Action), ev.ActorID,
		nullString(ev.IPAddress), nullString(ev.DeviceFingerprint),
		nullString(ev.PhotoURL), nullString(ev.Notes), ev.CreatedAt,
	)
	if isUniqueViolation(err, "confirmation_events_txn_role_action_key") {
		return ErrAlreadyConfirmed
	}
	if err != nil {
		return fmt.Errorf("insert confirmation event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConfirmations(ctx context.Context, transactionID string) ([]*ConfirmationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, role, action, actor_id, ip_address, device_fingerprint, photo_url, notes, created_at
		FROM confirmation_events
		WHERE transaction_id = $1
		ORDER BY created_at ASC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query confirmation events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ConfirmationEvent
	for rows.Next() {
		var (
			ev                   ConfirmationEvent
			ip, fp, photo, notes sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.Role, &ev.Action, &ev.ActorID,
			&ip, &fp, &photo, &notes, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan confirmation event: %w", err)
		}
		ev.IPAddress, ev.DeviceFingerprint, ev.PhotoURL, ev.Notes = ip.String, fp.String, photo.String, notes.String
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRefund(ctx context.Context, r *RefundRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refund_requests
			(id, transaction_id, mode, reason, fee_refund, deposit_refund, platform_fee_refund, total, status, reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		r.ID, r.TransactionID, string(r.Mode), r.Reason,
		r.FeeRefund, r.DepositRefund, r.PlatformFee, r.Total,
		string(r.Status), nullString(r.Reference), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refund request: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRefund(ctx context.Context, r *RefundRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refund_requests SET status = $2, reference = $3, updated_at = $4 WHERE id = $1
	`, r.ID, string(r.Status), nullString(r.Reference), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update refund request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRefunds(ctx context.Context, transactionID string) ([]*RefundRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, mode, reason, fee_refund, deposit_refund, platform_fee_refund, total, status, reference, created_at, updated_at
		FROM refund_requests
		WHERE transaction_id = $1
		ORDER BY created_at ASC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query refund requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RefundRequest
	for rows.Next() {
		var (
			r   RefundRequest
			ref sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.Mode, &r.Reason,
			&r.FeeRefund, &r.DepositRefund, &r.PlatformFee, &r.Total,
			&r.Status, &ref, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan refund request: %w", err)
		}
		r.Reference = ref.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		txn                                     Transaction
		paymentID, country, refundReason, notes sql.NullString
		blob                                    []byte
		confirmedAt, completedAt                sql.NullTime
		refundedAt                              sql.NullTime
	)
	err := row.Scan(
		&txn.ID, &txn.BookID, &txn.BorrowerID, &txn.LenderID,
		&txn.TotalAmount, &txn.RentalFee, &txn.SecurityDeposit, &txn.PlatformFee,
		&txn.Status, &txn.LenderConfirmed, &txn.BorrowerConfirmed,
		&txn.PaymentMethod, &paymentID, &blob, &country,
		&refundReason, &notes,
		&txn.CreatedAt, &txn.ExpiresAt, &confirmedAt, &completedAt, &refundedAt,
	)
	if err != nil {
		return nil, err
	}
	txn.PaymentID = paymentID.String
	txn.Country = country.String
	txn.RefundReason = refundReason.String
	txn.Notes = notes.String
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &txn.EncryptedPayment); err != nil {
			return nil, fmt.Errorf("unmarshal encrypted payment: %w", err)
		}
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		txn.ConfirmedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		txn.CompletedAt = &t
	}
	if refundedAt.Valid {
		t := refundedAt.Time
		txn.RefundedAt = &t
	}
	return &txn, nil
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func marshalBlob(txn *Transaction) ([]byte, error) {
	if txn.EncryptedPayment == nil {
		return nil, nil
	}
	blob, err := json.Marshal(txn.EncryptedPayment)
	if err != nil {
		return nil, fmt.Errorf("marshal encrypted payment: %w", err)
	}
	return blob, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == constraint
	}
	return false
}
