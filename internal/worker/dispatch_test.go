package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"stockflow/internal/fulfillment"
	"stockflow/internal/inventory"
	"stockflow/internal/orders"
	"stockflow/internal/outbox"
	"stockflow/internal/payments"
	"stockflow/internal/reliability"
	"stockflow/internal/saga"
)

func TestOutboxDispatcher_StagesRunStep(t *testing.T) {
	events := outbox.NewInMemoryStore()
	d := NewOutboxDispatcher(events)

	if err := d.Dispatch(context.Background(), saga.Saga{ID: "saga-1", CorrelationID: "ord-1"}, saga.StepProcessPayment); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	batch, err := events.FetchUnprocessed(context.Background(), 5, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("expected one staged event, got %d (%v)", len(batch), err)
	}
	e := batch[0]
	if e.EventType != outbox.EventSagaStep || e.AggregateID != "ord-1" {
		t.Fatalf("unexpected event: %+v", e)
	}
	var body outbox.StepPayload
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SagaID != "saga-1" || body.Action != outbox.ActionRunStep || body.Step != "process_payment" {
		t.Fatalf("unexpected payload: %+v", body)
	}
}

func TestPoller_DrivesDispatchedSaga(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	events := outbox.NewInMemoryStore()
	orderStore := orders.NewInMemoryStore(events)
	service := orders.NewService(orderStore, events, logger)
	ledger := inventory.NewInMemoryLedger()
	gateway := payments.NewSimulatedGateway(payments.NewInMemoryLedger(), 0, logger)
	sagas := saga.NewInMemoryStore()
	exec := fulfillment.NewExecutor(orderStore, ledger, gateway, reliability.RetryPolicy{}, logger)
	orch := saga.NewOrchestrator(sagas, exec, orderStore,
		saga.WithLogger(logger),
		saga.WithDispatcher(NewOutboxDispatcher(events)),
	)

	if _, err := ledger.Apply(ctx, inventory.Movement{CorrelationID: "intake-1", Type: inventory.MovementReceive, ProductID: "P", WarehouseID: "W", Quantity: 10}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	order, err := service.Create(ctx, orders.CreateRequest{
		CustomerID:  "cust-1",
		WarehouseID: "W",
		Items:       []orders.LineItem{{ProductID: "P", Quantity: 4, UnitPrice: decimal.NewFromInt(5)}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	p := NewPoller(events, orch, sagas, Config{}, WithLogger(logger))
	processed := 0
	for i := 0; i < 6; i++ {
		report, err := p.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		processed += report.Processed
		if report.Claimed == 0 {
			break
		}
	}
	if processed != 4 {
		t.Fatalf("expected start plus three run_step events, got %d", processed)
	}

	s, err := sagas.FindByCorrelationID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find saga: %v", err)
	}
	if s.Status != saga.StatusCompleted {
		t.Fatalf("expected completed saga, got %s (%s)", s.Status, s.ErrorMessage)
	}
	level, _ := ledger.Level(ctx, "P", "W")
	if level.Available != 6 || level.Reserved != 0 {
		t.Fatalf("unexpected level: %+v", level)
	}
}
