package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stockflow/internal/payments"
)

// PaymentStore persists gateway charges and voids in Postgres.
type PaymentStore struct {
	db *sql.DB
}

var _ payments.Ledger = (*PaymentStore)(nil)

// NewPaymentStore constructs a PaymentStore backed by Postgres.
func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// NewPaymentStoreWithSchema initializes the schema then returns the store.
func NewPaymentStoreWithSchema(ctx context.Context, db *sql.DB) (*PaymentStore, error) {
	store := NewPaymentStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the payments table if it does not exist.
func (p *PaymentStore) InitSchema(ctx context.Context) error {
	return initSchema(ctx, p.db, `
		CREATE TABLE IF NOT EXISTS payments (
			order_id TEXT PRIMARY KEY,
			reference TEXT UNIQUE NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			charged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			voided_at TIMESTAMPTZ
		)
	`)
}

// Record inserts the charge unless the order already has one.
func (p *PaymentStore) Record(ctx context.Context, payment payments.Payment) (payments.Payment, bool, error) {
	if payment.OrderID == "" || payment.Reference == "" {
		return payments.Payment{}, false, fmt.Errorf("%w: order id and reference required", payments.ErrInvalidCharge)
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (order_id, reference, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO NOTHING`,
		payment.OrderID, payment.Reference, payment.Amount.StringFixed(2),
	)
	if err != nil {
		return payments.Payment{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return payments.Payment{}, false, err
	}

	stored, err := p.Get(ctx, payment.OrderID)
	if err != nil {
		return payments.Payment{}, false, err
	}
	return stored, affected == 1, nil
}

func (p *PaymentStore) Get(ctx context.Context, orderID string) (payments.Payment, error) {
	var (
		payment  payments.Payment
		voidedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT order_id, reference, amount, charged_at, voided_at
		FROM payments
		WHERE order_id = $1`, orderID,
	).Scan(&payment.OrderID, &payment.Reference, &payment.Amount, &payment.ChargedAt, &voidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return payments.Payment{}, payments.ErrPaymentNotFound
		}
		return payments.Payment{}, err
	}
	if voidedAt.Valid {
		at := voidedAt.Time
		payment.VoidedAt = &at
	}
	return payment, nil
}

// MarkVoided stamps voided_at once; a second void keeps the first stamp.
func (p *PaymentStore) MarkVoided(ctx context.Context, orderID, reference string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments
		SET voided_at = COALESCE(voided_at, NOW())
		WHERE order_id = $1 AND reference = $2`,
		orderID, reference,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: order %s reference %s", payments.ErrPaymentNotFound, orderID, reference)
	}
	return nil
}
