package fulfillment

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"stockflow/internal/inventory"
	"stockflow/internal/orders"
	"stockflow/internal/outbox"
	"stockflow/internal/payments"
	"stockflow/internal/reliability"
	"stockflow/internal/saga"
)

// flakyLedger fails movements of one type, optionally only for one product,
// with a transient error. A batch holding such a movement fails whole.
type flakyLedger struct {
	inventory.Ledger
	failType    inventory.MovementType
	failProduct string
	attempts    atomic.Int32
}

func (f *flakyLedger) fails(m inventory.Movement) bool {
	return m.Type == f.failType && (f.failProduct == "" || m.ProductID == f.failProduct)
}

func (f *flakyLedger) Apply(ctx context.Context, m inventory.Movement) (bool, error) {
	n, err := f.ApplyAll(ctx, []inventory.Movement{m})
	return n == 1, err
}

func (f *flakyLedger) ApplyAll(ctx context.Context, ms []inventory.Movement) (int, error) {
	for _, m := range ms {
		if f.fails(m) {
			f.attempts.Add(1)
			return 0, reliability.Transient(errors.New("ledger connection reset"))
		}
	}
	return f.Ledger.ApplyAll(ctx, ms)
}

type world struct {
	t        *testing.T
	orders   *orders.InMemoryStore
	service  *orders.Service
	ledger   *inventory.InMemoryLedger
	payments *payments.InMemoryLedger
	sagas    *saga.InMemoryStore
	orch     *saga.Orchestrator
}

type worldOption struct {
	respond  func(payments.ChargeRequest) string
	ledgerFn func(inventory.Ledger) inventory.Ledger
}

func newWorld(t *testing.T, opt worldOption) *world {
	t.Helper()
	logger := zaptest.NewLogger(t)
	events := outbox.NewInMemoryStore()
	w := &world{
		t:        t,
		orders:   orders.NewInMemoryStore(events),
		ledger:   inventory.NewInMemoryLedger(),
		payments: payments.NewInMemoryLedger(),
		sagas:    saga.NewInMemoryStore(),
	}
	w.service = orders.NewService(w.orders, events, logger)

	var gatewayOpts []payments.GatewayOption
	if opt.respond != nil {
		gatewayOpts = append(gatewayOpts, payments.WithResponder(opt.respond))
	}
	gateway := payments.NewSimulatedGateway(w.payments, 0, logger, gatewayOpts...)

	var ledger inventory.Ledger = w.ledger
	if opt.ledgerFn != nil {
		ledger = opt.ledgerFn(w.ledger)
	}
	retry := reliability.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
	exec := NewExecutor(w.orders, ledger, gateway, retry, logger)
	w.orch = saga.NewOrchestrator(w.sagas, exec, w.orders, saga.WithLogger(logger))

	if _, err := w.ledger.Apply(context.Background(), inventory.Movement{
		CorrelationID: "intake-1",
		Type:          inventory.MovementReceive,
		ProductID:     "P",
		WarehouseID:   "W",
		Quantity:      10,
	}); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	return w
}

func (w *world) order(items ...orders.LineItem) orders.Order {
	w.t.Helper()
	o, err := w.service.Create(context.Background(), orders.CreateRequest{
		ID:          "order-1",
		CustomerID:  "cust-1",
		WarehouseID: "W",
		Items:       items,
	})
	if err != nil {
		w.t.Fatalf("create order: %v", err)
	}
	return o
}

func (w *world) run(o orders.Order) saga.Saga {
	w.t.Helper()
	ctx := context.Background()
	s, _, err := w.orch.Start(ctx, saga.StartRequest{
		SagaType:      orders.FulfillmentSagaType,
		CorrelationID: o.ID,
		Payload:       saga.Payload{OrderID: o.ID, WarehouseID: o.WarehouseID, Items: o.Items},
	})
	if err != nil {
		w.t.Fatalf("start saga: %v", err)
	}
	final, err := w.orch.ExecuteNext(ctx, s.ID)
	if err != nil {
		w.t.Fatalf("execute saga: %v", err)
	}
	return final
}

func (w *world) level(product string) inventory.Level {
	w.t.Helper()
	lvl, err := w.ledger.Level(context.Background(), product, "W")
	if err != nil {
		w.t.Fatalf("level: %v", err)
	}
	return lvl
}

func (w *world) orderStatus(id string) orders.Order {
	w.t.Helper()
	o, err := w.orders.Get(context.Background(), id)
	if err != nil {
		w.t.Fatalf("get order: %v", err)
	}
	return o
}

func (w *world) compensations(sagaID string) []string {
	w.t.Helper()
	events, _ := w.sagas.Events(context.Background(), sagaID)
	var out []string
	for _, e := range events {
		if e.EventType == saga.EventCompensationCompleted || e.EventType == saga.EventCompensationFailed {
			out = append(out, e.StepType)
		}
	}
	return out
}

func item(product string, qty int64) orders.LineItem {
	return orders.LineItem{ProductID: product, Quantity: qty, UnitPrice: decimal.RequireFromString("3.25")}
}

func TestScenarioA_HappyPath(t *testing.T) {
	w := newWorld(t, worldOption{})
	final := w.run(w.order(item("P", 4)))

	if final.Status != saga.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorMessage)
	}
	lvl := w.level("P")
	if lvl.Available != 6 || lvl.Reserved != 0 {
		t.Fatalf("expected 6/0, got %d/%d", lvl.Available, lvl.Reserved)
	}
	o := w.orderStatus("order-1")
	if o.Status != orders.StatusFulfilled || o.PaymentReference == "" {
		t.Fatalf("unexpected order %+v", o)
	}
	if o.PaymentReference != final.Payload.PaymentReference {
		t.Fatalf("payload reference %q differs from order %q", final.Payload.PaymentReference, o.PaymentReference)
	}
	if w.payments.WasVoided("order-1") {
		t.Fatalf("payment must not be voided on success")
	}
}

func TestScenarioB_InsufficientStock(t *testing.T) {
	w := newWorld(t, worldOption{})
	final := w.run(w.order(item("P", 20)))

	if final.Status != saga.StatusFailed || !strings.Contains(final.ErrorMessage, "insufficient stock") {
		t.Fatalf("expected insufficient stock failure, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if comps := w.compensations(final.ID); len(comps) != 0 {
		t.Fatalf("expected no compensations, got %v", comps)
	}
	if o := w.orderStatus("order-1"); o.Status != orders.StatusCancelled {
		t.Fatalf("expected cancelled order, got %s", o.Status)
	}
	if lvl := w.level("P"); lvl.Available != 10 || lvl.Reserved != 0 {
		t.Fatalf("expected untouched inventory, got %+v", lvl)
	}
}

func TestScenarioC_PaymentDeclined(t *testing.T) {
	w := newWorld(t, worldOption{respond: func(payments.ChargeRequest) string { return payments.CodeInsufficientFunds }})
	final := w.run(w.order(item("P", 4)))

	if final.Status != saga.StatusFailed || !strings.Contains(final.ErrorMessage, "payment declined") {
		t.Fatalf("expected declined failure, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if comps := w.compensations(final.ID); strings.Join(comps, ",") != "release_stock" {
		t.Fatalf("expected release_stock only, got %v", comps)
	}
	if lvl := w.level("P"); lvl.Available != 10 || lvl.Reserved != 0 {
		t.Fatalf("expected reservation released, got %+v", lvl)
	}
	if o := w.orderStatus("order-1"); o.Status != orders.StatusCancelled {
		t.Fatalf("expected cancelled order, got %s", o.Status)
	}
	if w.payments.WasCharged("order-1") {
		t.Fatalf("declined order must not be charged")
	}
}

func TestScenarioD_FulfillTransientExhausted(t *testing.T) {
	var flaky *flakyLedger
	w := newWorld(t, worldOption{ledgerFn: func(l inventory.Ledger) inventory.Ledger {
		flaky = &flakyLedger{Ledger: l, failType: inventory.MovementFulfill}
		return flaky
	}})
	final := w.run(w.order(item("P", 4)))

	if final.Status != saga.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if got := flaky.attempts.Load(); got != 3 {
		t.Fatalf("expected 3 fulfil attempts, got %d", got)
	}
	if comps := w.compensations(final.ID); strings.Join(comps, ",") != "void_payment,release_stock" {
		t.Fatalf("expected void_payment then release_stock, got %v", comps)
	}
	if lvl := w.level("P"); lvl.Available != 10 || lvl.Reserved != 0 {
		t.Fatalf("expected baseline inventory, got %+v", lvl)
	}
	if !w.payments.WasVoided("order-1") {
		t.Fatalf("expected payment voided")
	}
	o := w.orderStatus("order-1")
	if o.Status != orders.StatusCancelled || len(o.Notes) != 1 || !strings.Contains(o.Notes[0], "voided") {
		t.Fatalf("unexpected order %+v", o)
	}
}

func TestReserveStock_PartialShortageReservesNothing(t *testing.T) {
	w := newWorld(t, worldOption{})
	if _, err := w.ledger.Apply(context.Background(), inventory.Movement{
		CorrelationID: "intake-2", Type: inventory.MovementReceive, ProductID: "Q", WarehouseID: "W", Quantity: 1,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	final := w.run(w.order(item("P", 4), item("Q", 2)))

	if final.Status != saga.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if lvl := w.level("P"); lvl.Reserved != 0 || lvl.Available != 10 {
		t.Fatalf("expected no P reservation, got %+v", lvl)
	}
	if lvl := w.level("Q"); lvl.Reserved != 0 || lvl.Available != 1 {
		t.Fatalf("expected Q untouched, got %+v", lvl)
	}
}

func TestSteps_AreIdempotentOnRerun(t *testing.T) {
	w := newWorld(t, worldOption{})
	o := w.order(item("P", 4))
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	exec := NewExecutor(w.orders, w.ledger, payments.NewSimulatedGateway(w.payments, 0, logger), reliability.RetryPolicy{}, logger)
	s := saga.Saga{ID: "saga-1", CorrelationID: o.ID, Payload: saga.Payload{OrderID: o.ID, WarehouseID: "W", Items: o.Items}}

	for i := 0; i < 2; i++ {
		if _, err := exec.ReserveStock(ctx, s); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if lvl := w.level("P"); lvl.Reserved != 4 {
		t.Fatalf("expected one reservation, got %+v", lvl)
	}

	first, err := exec.ProcessPayment(ctx, s)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	second, err := exec.ProcessPayment(ctx, s)
	if err != nil {
		t.Fatalf("pay again: %v", err)
	}
	if first.PaymentReference == "" || first.PaymentReference != second.PaymentReference {
		t.Fatalf("expected stable reference, got %q and %q", first.PaymentReference, second.PaymentReference)
	}

	s.Payload.PaymentReference = first.PaymentReference
	for i := 0; i < 2; i++ {
		if err := exec.VoidPayment(ctx, s); err != nil {
			t.Fatalf("void %d: %v", i, err)
		}
		if err := exec.ReleaseStock(ctx, s); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if o := w.orderStatus("order-1"); len(o.Notes) != 1 {
		t.Fatalf("expected one void note, got %v", o.Notes)
	}
	if lvl := w.level("P"); lvl.Reserved != 0 || lvl.Available != 10 {
		t.Fatalf("expected released stock, got %+v", lvl)
	}
}

func TestVoidPayment_NoReferenceIsNoop(t *testing.T) {
	w := newWorld(t, worldOption{})
	exec := NewExecutor(w.orders, w.ledger, payments.NewSimulatedGateway(w.payments, 0, nil), reliability.RetryPolicy{}, nil)
	if err := exec.VoidPayment(context.Background(), saga.Saga{Payload: saga.Payload{OrderID: "missing"}}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestCancelledBeforeStart_SagaFailsOnFirstStep(t *testing.T) {
	w := newWorld(t, worldOption{})
	o := w.order(item("P", 4))
	if _, err := w.orch.CancelOrder(context.Background(), o.ID, "changed mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	final := w.run(o)

	if final.Status != saga.StatusFailed || !strings.Contains(final.ErrorMessage, "invalid order status transition") {
		t.Fatalf("expected failure on transition, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if lvl := w.level("P"); lvl.Reserved != 0 {
		t.Fatalf("expected no reservation, got %+v", lvl)
	}
}

func TestCompensationCompleteness_MultiItem(t *testing.T) {
	w := newWorld(t, worldOption{respond: func(payments.ChargeRequest) string { return payments.CodeCardExpired }})
	if _, err := w.ledger.Apply(context.Background(), inventory.Movement{
		CorrelationID: "intake-2", Type: inventory.MovementReceive, ProductID: "Q", WarehouseID: "W", Quantity: 5,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before := map[string]inventory.Level{"P": w.level("P"), "Q": w.level("Q")}
	final := w.run(w.order(item("P", 3), item("Q", 5)))

	if final.Status != saga.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	for product, lvl := range before {
		if after := w.level(product); after != lvl {
			t.Fatalf("%s: expected %+v after compensation, got %+v", product, lvl, after)
		}
	}
}

func TestFulfillOrder_PartialFailureKeepsOtherReservations(t *testing.T) {
	var flaky *flakyLedger
	w := newWorld(t, worldOption{ledgerFn: func(l inventory.Ledger) inventory.Ledger {
		flaky = &flakyLedger{Ledger: l, failType: inventory.MovementFulfill, failProduct: "Q"}
		return flaky
	}})
	ctx := context.Background()
	if _, err := w.ledger.Apply(ctx, inventory.Movement{
		CorrelationID: "intake-2", Type: inventory.MovementReceive, ProductID: "Q", WarehouseID: "W", Quantity: 5,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := w.ledger.Apply(ctx, inventory.Movement{
		CorrelationID: "order-other", Type: inventory.MovementReserve, ProductID: "P", WarehouseID: "W", Quantity: 3,
	}); err != nil {
		t.Fatalf("competing reservation: %v", err)
	}
	before := map[string]inventory.Level{"P": w.level("P"), "Q": w.level("Q")}

	final := w.run(w.order(item("P", 4), item("Q", 2)))

	if final.Status != saga.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if comps := w.compensations(final.ID); strings.Join(comps, ",") != "void_payment,release_stock" {
		t.Fatalf("expected void_payment then release_stock, got %v", comps)
	}
	for product, lvl := range before {
		if after := w.level(product); after != lvl {
			t.Fatalf("%s: expected %+v after compensation, got %+v", product, lvl, after)
		}
	}
	if _, ok := w.ledger.Movement(inventory.Key{CorrelationID: "order-1", Type: inventory.MovementFulfill, ProductID: "P", WarehouseID: "W"}); ok {
		t.Fatalf("fulfil of P must not be recorded when Q failed")
	}
}

func TestReleaseStock_SkipsFulfilledItems(t *testing.T) {
	w := newWorld(t, worldOption{})
	ctx := context.Background()
	o := w.order(item("P", 4))
	logger := zaptest.NewLogger(t)
	exec := NewExecutor(w.orders, w.ledger, payments.NewSimulatedGateway(w.payments, 0, logger), reliability.RetryPolicy{}, logger)
	s := saga.Saga{ID: "saga-1", CorrelationID: o.ID, Payload: saga.Payload{OrderID: o.ID, WarehouseID: "W", Items: o.Items}}

	if _, err := w.ledger.Apply(ctx, inventory.Movement{
		CorrelationID: "order-other", Type: inventory.MovementReserve, ProductID: "P", WarehouseID: "W", Quantity: 3,
	}); err != nil {
		t.Fatalf("competing reservation: %v", err)
	}
	if _, err := exec.ReserveStock(ctx, s); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := w.ledger.Apply(ctx, movement(s, inventory.MovementFulfill, o.Items[0])); err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	if err := exec.ReleaseStock(ctx, s); err != nil {
		t.Fatalf("release: %v", err)
	}

	if lvl := w.level("P"); lvl.Available != 6 || lvl.Reserved != 3 {
		t.Fatalf("expected other reservation kept at 6/3, got %+v", lvl)
	}
	if _, ok := w.ledger.Movement(inventory.Key{CorrelationID: o.ID, Type: inventory.MovementRelease, ProductID: "P", WarehouseID: "W"}); ok {
		t.Fatalf("fulfilled item must not be released")
	}
}
