package ordersdb

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"stockflow/internal/saga"
)

var sagaRowColumns = []string{
	"id", "saga_type", "correlation_id", "status", "current_step", "payload",
	"retry_count", "max_retries", "error_message", "created_at", "updated_at", "completed_at",
}

const sagaPayloadJSON = `{"order_id":"ord-1","warehouse_id":"wh-1","items":[{"product_id":"sku-1","quantity":2,"unit_price":"5"}]}`

func TestSagaStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS saga_events_saga_id_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewSagaStoreWithSchema(context.Background(), db); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestSagaStore_Create_New(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now().UTC()
	mock.ExpectExec("INSERT INTO sagas").
		WithArgs("saga-1", "order_fulfillment", "ord-1", "started", nil, sqlmock.AnyArg(), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM sagas WHERE correlation_id").
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns).
			AddRow("saga-1", "order_fulfillment", "ord-1", "started", nil, []byte(sagaPayloadJSON), 0, 3, nil, now, now, nil))
	mock.ExpectClose()

	store := NewSagaStore(db)
	got, created, err := store.Create(context.Background(), saga.Saga{
		ID:            "saga-1",
		Type:          "order_fulfillment",
		CorrelationID: "ord-1",
		Status:        saga.StatusStarted,
		MaxRetries:    3,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatalf("expected created saga")
	}
	if got.Payload.OrderID != "ord-1" || len(got.Payload.Items) != 1 {
		t.Fatalf("unexpected payload: %+v", got.Payload)
	}
	if got.CurrentStep != "" || got.CompletedAt != nil {
		t.Fatalf("expected null step and completion, got %+v", got)
	}
}

func TestSagaStore_Create_ExistingCorrelation(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now().UTC()
	mock.ExpectExec("INSERT INTO sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM sagas WHERE correlation_id").
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns).
			AddRow("saga-0", "order_fulfillment", "ord-1", "step_pending", "process_payment", []byte(sagaPayloadJSON), 0, 3, nil, now, now, nil))
	mock.ExpectClose()

	store := NewSagaStore(db)
	got, created, err := store.Create(context.Background(), saga.Saga{ID: "saga-1", Type: "order_fulfillment", CorrelationID: "ord-1", Status: saga.StatusStarted})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created {
		t.Fatalf("expected existing saga")
	}
	if got.ID != "saga-0" || got.CurrentStep != saga.StepProcessPayment {
		t.Fatalf("unexpected saga: %+v", got)
	}
}

func TestSagaStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT (.+) FROM sagas WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns))
	mock.ExpectClose()

	_, err := NewSagaStore(db).Get(context.Background(), "missing")
	if !errors.Is(err, saga.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestSagaStore_Update(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	done := time.Now().UTC()
	mock.ExpectExec("UPDATE sagas").
		WithArgs("saga-1", "completed", "fulfill_order", sqlmock.AnyArg(), 0, nil, done).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewSagaStore(db)
	sg := saga.Saga{ID: "saga-1", Status: saga.StatusCompleted, CurrentStep: saga.StepFulfillOrder, CompletedAt: &done}
	if err := store.Update(context.Background(), sg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	sg.ID = "missing"
	if err := store.Update(context.Background(), sg); !errors.Is(err, saga.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestSagaStore_AppendEvent(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO saga_events").
		WithArgs("saga-1", "reserve_stock", "step_started", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), now))
	mock.ExpectQuery("INSERT INTO saga_events").
		WithArgs("gone", "reserve_stock", "step_started", nil).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})
	mock.ExpectClose()

	store := NewSagaStore(db)
	e, err := store.AppendEvent(context.Background(), saga.Event{SagaID: "saga-1", StepType: "reserve_stock", EventType: saga.EventStepStarted})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if e.ID != 7 || !e.CreatedAt.Equal(now) {
		t.Fatalf("unexpected event: %+v", e)
	}

	_, err = store.AppendEvent(context.Background(), saga.Event{SagaID: "gone", StepType: "reserve_stock", EventType: saga.EventStepStarted})
	if !errors.Is(err, saga.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestSagaStore_Events_Ordered(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, saga_id, step_type, event_type, payload, created_at FROM saga_events").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "saga_id", "step_type", "event_type", "payload", "created_at"}).
			AddRow(int64(1), "saga-1", "reserve_stock", "step_started", nil, now).
			AddRow(int64(2), "saga-1", "reserve_stock", "step_completed", []byte(`{}`), now))
	mock.ExpectClose()

	events, err := NewSagaStore(db).Events(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Payload != nil || string(events[1].Payload) != "{}" {
		t.Fatalf("unexpected payloads: %q %q", events[0].Payload, events[1].Payload)
	}
	if events[1].EventType != saga.EventStepCompleted {
		t.Fatalf("unexpected event type %s", events[1].EventType)
	}
}
