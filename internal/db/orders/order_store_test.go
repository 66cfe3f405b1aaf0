package ordersdb

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"stockflow/internal/orders"
	"stockflow/internal/outbox"
)

func testOrder() (orders.Order, outbox.Event) {
	now := time.Now().UTC()
	order := orders.Order{
		ID:          "ord-1",
		CustomerID:  "cust-1",
		WarehouseID: "wh-1",
		Items: []orders.LineItem{
			{ProductID: "sku-1", Quantity: 2, UnitPrice: decimal.RequireFromString("5.00")},
			{ProductID: "sku-2", Quantity: 1, UnitPrice: decimal.RequireFromString("3.50")},
		},
		Status:    orders.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	order.Total = orders.Total(order.Items)
	intent := outbox.Event{
		EventType:     outbox.EventSagaStart,
		AggregateType: outbox.AggregateOrder,
		AggregateID:   order.ID,
		Payload:       []byte(`{"order_id":"ord-1"}`),
	}
	return order, intent
}

func TestOrderStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_items").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewOrderStoreWithSchema(context.Background(), db, NewOutboxStore(db)); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestOrderStore_Create_WritesIntentInSameTx(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	order, intent := testOrder()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WithArgs("ord-1", "cust-1", "wh-1", "13.50", "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs("ord-1", 0, "sku-1", int64(2), "5.00").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs("ord-1", 1, "sku-2", int64(1), "3.50").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO outbox_events").
		WithArgs("saga_start", "order", "ord-1", `{"order_id":"ord-1"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewOrderStore(db, NewOutboxStore(db))
	if err := store.Create(context.Background(), order, intent); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestOrderStore_Create_RollsBackWhenIntentFails(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	order, intent := testOrder()
	order.Items = order.Items[:1]
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO outbox_events").
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewOrderStore(db, NewOutboxStore(db))
	if err := store.Create(context.Background(), order, intent); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOrderStore_Create_Duplicate(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	order, intent := testOrder()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewOrderStore(db, NewOutboxStore(db))
	if err := store.Create(context.Background(), order, intent); !errors.Is(err, orders.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
}

func TestOrderStore_Get(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, customer_id, warehouse_id, total, status, payment_reference, notes").
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "warehouse_id", "total", "status", "payment_reference", "notes", "created_at", "updated_at"}).
			AddRow("ord-1", "cust-1", "wh-1", "13.50", "paid", "pay_1", []byte(`["payment pay_1 voided"]`), now, now))
	mock.ExpectQuery("SELECT product_id, quantity, unit_price FROM order_items").
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity", "unit_price"}).
			AddRow("sku-1", int64(2), "5.00").
			AddRow("sku-2", int64(1), "3.50"))
	mock.ExpectClose()

	order, err := NewOrderStore(db, NewOutboxStore(db)).Get(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if order.Status != orders.StatusPaid || order.PaymentReference != "pay_1" {
		t.Fatalf("unexpected order: %+v", order)
	}
	if !order.Total.Equal(decimal.RequireFromString("13.5")) {
		t.Fatalf("unexpected total %s", order.Total)
	}
	if len(order.Items) != 2 || order.Items[1].ProductID != "sku-2" {
		t.Fatalf("unexpected items: %+v", order.Items)
	}
	if len(order.Notes) != 1 {
		t.Fatalf("unexpected notes: %v", order.Notes)
	}
}

func TestOrderStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, customer_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectClose()

	_, err := NewOrderStore(db, NewOutboxStore(db)).Get(context.Background(), "missing")
	if !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderStore_UpdateStatus(t *testing.T) {
	t.Run("writes legal transition", func(t *testing.T) {
		db, mock, cleanup := newMockDB(t)
		t.Cleanup(cleanup)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM orders WHERE id = \\$1 FOR UPDATE").
			WithArgs("ord-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
		mock.ExpectExec("UPDATE orders SET status").
			WithArgs("ord-1", "reserved").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectClose()

		if err := NewOrderStore(db, nil).UpdateStatus(context.Background(), "ord-1", orders.StatusReserved); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	})

	t.Run("skips status already passed", func(t *testing.T) {
		db, mock, cleanup := newMockDB(t)
		t.Cleanup(cleanup)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM orders").
			WithArgs("ord-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("paid"))
		mock.ExpectCommit()
		mock.ExpectClose()

		if err := NewOrderStore(db, nil).UpdateStatus(context.Background(), "ord-1", orders.StatusReserved); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	})

	t.Run("rejects leaving terminal status", func(t *testing.T) {
		db, mock, cleanup := newMockDB(t)
		t.Cleanup(cleanup)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM orders").
			WithArgs("ord-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))
		mock.ExpectRollback()
		mock.ExpectClose()

		err := NewOrderStore(db, nil).UpdateStatus(context.Background(), "ord-1", orders.StatusReserved)
		if !errors.Is(err, orders.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestOrderStore_SetPaymentReferenceAndNote(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE orders SET payment_reference").
		WithArgs("ord-1", "pay_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET notes").
		WithArgs("ord-1", "payment voided").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET notes").
		WithArgs("missing", "x").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewOrderStore(db, nil)
	if err := store.SetPaymentReference(context.Background(), "ord-1", "pay_1"); err != nil {
		t.Fatalf("SetPaymentReference: %v", err)
	}
	if err := store.AddNote(context.Background(), "ord-1", "payment voided"); err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	if err := store.AddNote(context.Background(), "missing", "x"); !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
