package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stockflow/internal/inventory"
)

// InventoryStore keeps stock levels and the movement ledger in Postgres. The
// table CHECK holds 0 <= reserved <= available; every guarded UPDATE below
// enforces the same bound so a violating movement touches no row.
type InventoryStore struct {
	db *sql.DB
}

var _ inventory.Ledger = (*InventoryStore)(nil)

// NewInventoryStore constructs an InventoryStore backed by Postgres.
func NewInventoryStore(db *sql.DB) *InventoryStore {
	return &InventoryStore{db: db}
}

// NewInventoryStoreWithSchema initializes the schema then returns the store.
func NewInventoryStoreWithSchema(ctx context.Context, db *sql.DB) (*InventoryStore, error) {
	store := NewInventoryStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the inventory tables if they do not exist.
func (s *InventoryStore) InitSchema(ctx context.Context) error {
	return initSchema(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS inventory (
			product_id TEXT NOT NULL,
			warehouse_id TEXT NOT NULL,
			quantity_available BIGINT NOT NULL DEFAULT 0,
			quantity_reserved BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (product_id, warehouse_id),
			CHECK (quantity_reserved >= 0 AND quantity_reserved <= quantity_available)
		)`,
		`CREATE TABLE IF NOT EXISTS stock_movements (
			id BIGSERIAL PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			movement_type TEXT NOT NULL,
			product_id TEXT NOT NULL,
			warehouse_id TEXT NOT NULL,
			quantity BIGINT NOT NULL,
			reference_id TEXT,
			reference_type TEXT,
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (correlation_id, movement_type, product_id, warehouse_id)
		)`,
	)
}

// Level reads the stock position; a missing row is a zero level.
func (s *InventoryStore) Level(ctx context.Context, productID, warehouseID string) (inventory.Level, error) {
	level := inventory.Level{ProductID: productID, WarehouseID: warehouseID}
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity_available, quantity_reserved
		FROM inventory
		WHERE product_id = $1 AND warehouse_id = $2`, productID, warehouseID,
	).Scan(&level.Available, &level.Reserved)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return inventory.Level{}, err
	}
	return level, nil
}

// Apply inserts the movement and mutates the level in one transaction. A
// movement whose key already exists changes nothing and reports applied=false.
func (s *InventoryStore) Apply(ctx context.Context, m inventory.Movement) (bool, error) {
	n, err := s.ApplyAll(ctx, []inventory.Movement{m})
	return n == 1, err
}

// ApplyAll applies ms inside a single transaction; one rejected movement rolls
// back the whole batch.
func (s *InventoryStore) ApplyAll(ctx context.Context, ms []inventory.Movement) (int, error) {
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return 0, err
		}
	}
	var applied int
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, m := range ms {
			ok, err := applyMovement(ctx, tx, m)
			if err != nil {
				return err
			}
			if ok {
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// Recorded reports whether the movement key exists in the ledger.
func (s *InventoryStore) Recorded(ctx context.Context, key inventory.Key) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM stock_movements
			WHERE correlation_id = $1 AND movement_type = $2 AND product_id = $3 AND warehouse_id = $4
		)`, key.CorrelationID, string(key.Type), key.ProductID, key.WarehouseID,
	).Scan(&exists)
	return exists, err
}

func applyMovement(ctx context.Context, tx *sql.Tx, m inventory.Movement) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements
			(correlation_id, movement_type, product_id, warehouse_id, quantity, reference_id, reference_type, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (correlation_id, movement_type, product_id, warehouse_id) DO NOTHING`,
		m.CorrelationID, string(m.Type), m.ProductID, m.WarehouseID, m.Quantity,
		nullString(m.ReferenceID), nullString(m.ReferenceType), nullString(m.Note),
	)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	query, qty, guarded := levelMutation(m)
	res, err = tx.ExecContext(ctx, query, m.ProductID, m.WarehouseID, qty)
	if err != nil {
		if isPgCode(err, pgCheckViolation) {
			return false, fmt.Errorf("%w: %s in %s", inventory.ErrInsufficientStock, m.ProductID, m.WarehouseID)
		}
		return false, err
	}
	touched, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if guarded && touched == 0 {
		return false, fmt.Errorf("%w: %s %d of %s in %s", inventory.ErrInsufficientStock, m.Type, m.Quantity, m.ProductID, m.WarehouseID)
	}
	return true, nil
}

const (
	reserveSQL = `
		UPDATE inventory
		SET quantity_reserved = quantity_reserved + $3, updated_at = NOW()
		WHERE product_id = $1 AND warehouse_id = $2
			AND quantity_available - quantity_reserved >= $3`

	releaseSQL = `
		UPDATE inventory
		SET quantity_reserved = GREATEST(quantity_reserved - $3, 0), updated_at = NOW()
		WHERE product_id = $1 AND warehouse_id = $2`

	fulfillSQL = `
		UPDATE inventory
		SET quantity_available = quantity_available - $3,
			quantity_reserved = GREATEST(quantity_reserved - $3, 0),
			updated_at = NOW()
		WHERE product_id = $1 AND warehouse_id = $2
			AND quantity_available >= $3
			AND quantity_available - $3 >= GREATEST(quantity_reserved - $3, 0)`

	addStockSQL = `
		INSERT INTO inventory (product_id, warehouse_id, quantity_available, quantity_reserved)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (product_id, warehouse_id) DO UPDATE
		SET quantity_available = inventory.quantity_available + EXCLUDED.quantity_available,
			updated_at = NOW()`

	removeStockSQL = `
		UPDATE inventory
		SET quantity_available = quantity_available - $3, updated_at = NOW()
		WHERE product_id = $1 AND warehouse_id = $2
			AND quantity_available - $3 >= quantity_reserved`
)

// levelMutation picks the statement for m. guarded statements must touch a
// row or the movement is rejected.
func levelMutation(m inventory.Movement) (query string, qty int64, guarded bool) {
	switch m.Type {
	case inventory.MovementReserve:
		return reserveSQL, m.Quantity, true
	case inventory.MovementRelease:
		return releaseSQL, m.Quantity, false
	case inventory.MovementFulfill:
		return fulfillSQL, m.Quantity, true
	case inventory.MovementTransferOut:
		return removeStockSQL, m.Quantity, true
	case inventory.MovementAdjust:
		if m.Quantity < 0 {
			return removeStockSQL, -m.Quantity, true
		}
		return addStockSQL, m.Quantity, false
	default:
		return addStockSQL, m.Quantity, false
	}
}
