package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"stockflow/internal/orders"
	"stockflow/internal/outbox"
)

// OrderStore persists orders and stages their outbox intent in the same
// transaction.
type OrderStore struct {
	db     *sql.DB
	outbox *OutboxStore
}

var _ orders.Store = (*OrderStore)(nil)

// NewOrderStore constructs an OrderStore. Intents are written through events.
func NewOrderStore(db *sql.DB, events *OutboxStore) *OrderStore {
	return &OrderStore{db: db, outbox: events}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB, events *OutboxStore) (*OrderStore, error) {
	store := NewOrderStore(db, events)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the order tables if they do not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	return initSchema(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			warehouse_id TEXT NOT NULL,
			total NUMERIC(12,2) NOT NULL,
			status TEXT NOT NULL,
			payment_reference TEXT,
			notes JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id TEXT NOT NULL REFERENCES orders(id),
			line_no INT NOT NULL,
			product_id TEXT NOT NULL,
			quantity BIGINT NOT NULL CHECK (quantity > 0),
			unit_price NUMERIC(12,2) NOT NULL,
			PRIMARY KEY (order_id, line_no)
		)`,
	)
}

// Create writes the order, its items and the intent atomically.
func (s *OrderStore) Create(ctx context.Context, order orders.Order, intent outbox.Event) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, customer_id, warehouse_id, total, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			order.ID, order.CustomerID, order.WarehouseID, order.Total.StringFixed(2), string(order.Status),
			order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return orders.ErrDuplicateOrder
		}

		for i, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, line_no, product_id, quantity, unit_price)
				VALUES ($1, $2, $3, $4, $5)`,
				order.ID, i, item.ProductID, item.Quantity, item.UnitPrice.StringFixed(2),
			); err != nil {
				return fmt.Errorf("insert item %s: %w", item.ProductID, err)
			}
		}

		if _, err := s.outbox.AppendTx(ctx, tx, intent); err != nil {
			return fmt.Errorf("stage intent: %w", err)
		}
		return nil
	})
}

func (s *OrderStore) Get(ctx context.Context, id string) (orders.Order, error) {
	var (
		order     orders.Order
		status    string
		reference sql.NullString
		notes     []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, warehouse_id, total, status, payment_reference, notes, created_at, updated_at
		FROM orders
		WHERE id = $1`, id,
	).Scan(&order.ID, &order.CustomerID, &order.WarehouseID, &order.Total, &status, &reference, &notes,
		&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.Order{}, orders.ErrOrderNotFound
		}
		return orders.Order{}, err
	}
	order.Status = orders.Status(status)
	order.PaymentReference = reference.String
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &order.Notes); err != nil {
			return orders.Order{}, fmt.Errorf("decode order %s notes: %w", id, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY line_no`, id)
	if err != nil {
		return orders.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item orders.LineItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return orders.Order{}, err
		}
		order.Items = append(order.Items, item)
	}
	return order, rows.Err()
}

// UpdateStatus locks the row and applies the transition rules before writing.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status orders.Status) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return orders.ErrOrderNotFound
			}
			return err
		}
		apply, err := orders.Transition(orders.Status(current), status)
		if err != nil || !apply {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
		return err
	})
}

func (s *OrderStore) SetPaymentReference(ctx context.Context, id, reference string) error {
	return s.exec(ctx, `UPDATE orders SET payment_reference = $2, updated_at = NOW() WHERE id = $1`, id, reference)
}

func (s *OrderStore) AddNote(ctx context.Context, id, note string) error {
	return s.exec(ctx, `UPDATE orders SET notes = notes || to_jsonb($2::text), updated_at = NOW() WHERE id = $1`, id, note)
}

func (s *OrderStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return orders.ErrOrderNotFound
	}
	return nil
}
