package ordersdb

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"stockflow/internal/inventory"
)

func reserveMovement(qty int64) inventory.Movement {
	return inventory.Movement{
		CorrelationID: "ord-1",
		Type:          inventory.MovementReserve,
		ProductID:     "sku-1",
		WarehouseID:   "wh-1",
		Quantity:      qty,
		ReferenceID:   "saga-1",
		ReferenceType: "saga",
	}
}

func TestInventoryStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS inventory").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS stock_movements").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewInventoryStoreWithSchema(context.Background(), db); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestInventoryStore_Level(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT quantity_available, quantity_reserved FROM inventory").
		WithArgs("sku-1", "wh-1").
		WillReturnRows(sqlmock.NewRows([]string{"quantity_available", "quantity_reserved"}).AddRow(int64(10), int64(4)))
	mock.ExpectQuery("SELECT quantity_available, quantity_reserved FROM inventory").
		WithArgs("sku-9", "wh-1").
		WillReturnRows(sqlmock.NewRows([]string{"quantity_available", "quantity_reserved"}))
	mock.ExpectClose()

	store := NewInventoryStore(db)
	level, err := store.Level(context.Background(), "sku-1", "wh-1")
	if err != nil {
		t.Fatalf("Level: %v", err)
	}
	if level.Available != 10 || level.Reserved != 4 || level.Free() != 6 {
		t.Fatalf("unexpected level: %+v", level)
	}

	empty, err := store.Level(context.Background(), "sku-9", "wh-1")
	if err != nil {
		t.Fatalf("Level missing: %v", err)
	}
	if empty.Available != 0 || empty.Reserved != 0 || empty.ProductID != "sku-9" {
		t.Fatalf("expected zero level, got %+v", empty)
	}
}

func TestInventoryStore_Apply_Reserve(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_movements").
		WithArgs("ord-1", "reserve", "sku-1", "wh-1", int64(3), "saga-1", "saga", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE inventory SET quantity_reserved = quantity_reserved \\+ \\$3").
		WithArgs("sku-1", "wh-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	applied, err := NewInventoryStore(db).Apply(context.Background(), reserveMovement(3))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !applied {
		t.Fatalf("expected movement applied")
	}
}

func TestInventoryStore_Apply_DuplicateIsNoop(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_movements").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	applied, err := NewInventoryStore(db).Apply(context.Background(), reserveMovement(3))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied {
		t.Fatalf("expected duplicate to be ignored")
	}
}

func TestInventoryStore_Apply_InsufficientStockRollsBack(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_movements").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE inventory SET quantity_reserved").
		WithArgs("sku-1", "wh-1", int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectClose()

	applied, err := NewInventoryStore(db).Apply(context.Background(), reserveMovement(50))
	if !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if applied {
		t.Fatalf("expected movement not applied")
	}
}

func TestInventoryStore_Apply_CheckViolation(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	m := reserveMovement(2)
	m.Type = inventory.MovementFulfill
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_movements").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE inventory SET quantity_available = quantity_available - \\$3").
		WillReturnError(&pgconn.PgError{Code: pgCheckViolation})
	mock.ExpectRollback()
	mock.ExpectClose()

	_, err := NewInventoryStore(db).Apply(context.Background(), m)
	if !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestInventoryStore_Apply_ReleaseOnMissingRowIsFine(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	m := reserveMovement(2)
	m.Type = inventory.MovementRelease
	m.Note = "saga compensation"
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_movements").
		WithArgs("ord-1", "release", "sku-1", "wh-1", int64(2), "saga-1", "saga", "saga compensation").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("GREATEST\\(quantity_reserved - \\$3, 0\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	applied, err := NewInventoryStore(db).Apply(context.Background(), m)
	if err != nil || !applied {
		t.Fatalf("expected release applied, got %v %v", applied, err)
	}
}

func TestInventoryStore_Apply_InvalidMovement(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	_, err := NewInventoryStore(db).Apply(context.Background(), reserveMovement(0))
	if !errors.Is(err, inventory.ErrInvalidMovement) {
		t.Fatalf("expected ErrInvalidMovement, got %v", err)
	}
}

func TestLevelMutation(t *testing.T) {
	tests := []struct {
		kind    inventory.MovementType
		qty     int64
		query   string
		wantQty int64
		guarded bool
	}{
		{inventory.MovementReserve, 2, reserveSQL, 2, true},
		{inventory.MovementRelease, 2, releaseSQL, 2, false},
		{inventory.MovementFulfill, 2, fulfillSQL, 2, true},
		{inventory.MovementReceive, 5, addStockSQL, 5, false},
		{inventory.MovementTransferIn, 5, addStockSQL, 5, false},
		{inventory.MovementTransferOut, 5, removeStockSQL, 5, true},
		{inventory.MovementAdjust, 4, addStockSQL, 4, false},
		{inventory.MovementAdjust, -4, removeStockSQL, 4, true},
	}
	for _, tt := range tests {
		query, qty, guarded := levelMutation(inventory.Movement{Type: tt.kind, Quantity: tt.qty})
		if query != tt.query || qty != tt.wantQty || guarded != tt.guarded {
			t.Fatalf("%s %d: got qty=%d guarded=%v", tt.kind, tt.qty, qty, guarded)
		}
	}
}

func TestInventoryStore_ApplyAll_OneTransaction(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	second := reserveMovement(2)
	second.ProductID = "sku-2"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_movements").
		WithArgs("ord-1", "reserve", "sku-1", "wh-1", int64(3), "saga-1", "saga", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE inventory SET quantity_reserved").
		WithArgs("sku-1", "wh-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO stock_movements").
		WithArgs("ord-1", "reserve", "sku-2", "wh-1", int64(2), "saga-1", "saga", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	n, err := NewInventoryStore(db).ApplyAll(context.Background(), []inventory.Movement{reserveMovement(3), second})
	if err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 applied, got %d", n)
	}
}

func TestInventoryStore_ApplyAll_RejectionRollsBackBatch(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	second := reserveMovement(50)
	second.ProductID = "sku-2"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_movements").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE inventory SET quantity_reserved").
		WithArgs("sku-1", "wh-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO stock_movements").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("UPDATE inventory SET quantity_reserved").
		WithArgs("sku-2", "wh-1", int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectClose()

	n, err := NewInventoryStore(db).ApplyAll(context.Background(), []inventory.Movement{reserveMovement(3), second})
	if !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing applied, got %d", n)
	}
}

func TestInventoryStore_Recorded(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ord-1", "fulfill", "sku-1", "wh-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectClose()

	ok, err := NewInventoryStore(db).Recorded(context.Background(), inventory.Key{
		CorrelationID: "ord-1", Type: inventory.MovementFulfill, ProductID: "sku-1", WarehouseID: "wh-1",
	})
	if err != nil {
		t.Fatalf("Recorded: %v", err)
	}
	if !ok {
		t.Fatalf("expected movement recorded")
	}
}
