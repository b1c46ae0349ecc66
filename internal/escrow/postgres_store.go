package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, direction, status,
			fiat_amount, fiat_currency, phone, mpesa_reference, fiat_receipt_number,
			chain, token, crypto_amount, recipient_addr, tx_hash,
			confirmation_deadline, failure_reason, rolled_back, requires_manual_intervention,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3,
			$4::NUMERIC(20,2), $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)`,
		e.ID, string(e.Direction), string(e.Status),
		e.FiatAmount.String(), e.FiatCurrency, e.Phone,
		nullString(e.MpesaReference), nullString(e.FiatReceiptNumber),
		e.Chain, e.Token, e.CryptoAmount, e.RecipientAddr, nullString(e.TxHash),
		e.ConfirmationDeadline, nullString(e.FailureReason), e.RolledBack, e.RequiresManualIntervention,
		e.CreatedAt, e.UpdatedAt, nullTime(e.CompletedAt),
	)
	return translatePQError(err)
}

const escrowColumns = `id, direction, status,
	       fiat_amount, fiat_currency, phone, mpesa_reference, fiat_receipt_number,
	       chain, token, crypto_amount, recipient_addr, tx_hash,
	       confirmation_deadline, failure_reason, rolled_back, requires_manual_intervention,
	       created_at, updated_at, completed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE mpesa_reference = $1`, reference)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByReceipt(ctx context.Context, receipt string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE fiat_receipt_number = $1`, receipt)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from []Status, to Status, mut Mutation) (*Escrow, error) {
	return p.update(ctx, id, from, &to, mut)
}

func (p *PostgresStore) Amend(ctx context.Context, id string, from []Status, mut Mutation) (*Escrow, error) {
	return p.update(ctx, id, from, nil, mut)
}

// update loads the row FOR UPDATE, checks the status precondition, applies the
// mutation, and writes all mutable columns back in one transaction. A nil
// toStatus leaves the status untouched (Amend).
func (p *PostgresStore) update(ctx context.Context, id string, from []Status, toStatus *Status, mut Mutation) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	if !statusIn(e.Status, from) {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, e.Status)
	}

	if toStatus != nil {
		e.Status = *toStatus
	}
	if mut != nil {
		mut(e)
	}
	e.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, mpesa_reference = $2, fiat_receipt_number = $3,
			tx_hash = $4, failure_reason = $5, rolled_back = $6,
			requires_manual_intervention = $7, updated_at = $8, completed_at = $9
		WHERE id = $10`,
		string(e.Status), nullString(e.MpesaReference), nullString(e.FiatReceiptNumber),
		nullString(e.TxHash), nullString(e.FailureReason), e.RolledBack,
		e.RequiresManualIntervention, e.UpdatedAt, nullTime(e.CompletedAt),
		e.ID,
	)
	if err != nil {
		return nil, translatePQError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, translatePQError(err)
	}
	return e, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListDeadlined(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE (status IN ('pending', 'reserved')
		       OR (status = 'processing' AND direction = 'offramp'))
		  AND confirmation_deadline < $1
		ORDER BY confirmation_deadline ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListForReview(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE requires_manual_intervention
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		direction   string
		status      string
		fiatAmount  string
		reference   sql.NullString
		receipt     sql.NullString
		txHash      sql.NullString
		failReason  sql.NullString
		completedAt sql.NullTime
	)

	err := s.Scan(
		&e.ID, &direction, &status,
		&fiatAmount, &e.FiatCurrency, &e.Phone, &reference, &receipt,
		&e.Chain, &e.Token, &e.CryptoAmount, &e.RecipientAddr, &txHash,
		&e.ConfirmationDeadline, &failReason, &e.RolledBack, &e.RequiresManualIntervention,
		&e.CreatedAt, &e.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Direction = Direction(direction)
	e.Status = Status(status)
	e.FiatAmount, err = decimal.NewFromString(fiatAmount)
	if err != nil {
		return nil, fmt.Errorf("corrupt fiat_amount for escrow %s: %w", e.ID, err)
	}
	e.MpesaReference = reference.String
	e.FiatReceiptNumber = receipt.String
	e.TxHash = txHash.String
	e.FailureReason = failReason.String
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// translatePQError maps the unique index on fiat_receipt_number to ErrReceiptUsed.
func translatePQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrReceiptUsed
	}
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
