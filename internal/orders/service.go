package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stockflow/internal/outbox"
)

// Service is the order-creation surface: it writes orders together with the
// intents that drive their fulfillment saga.
type Service struct {
	store  Store
	events outbox.Store
	logger *zap.Logger
	newID  func() string
	now    func() time.Time
}

// NewService constructs a Service. events receives cancellation intents.
func NewService(store Store, events outbox.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		events: events,
		logger: logger,
		newID:  func() string { return "ord_" + uuid.NewString() },
		now:    time.Now,
	}
}

// Create validates req, then stores the pending order and its saga_start
// intent atomically.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}

	id := req.ID
	if id == "" {
		id = s.newID()
	}
	now := s.now().UTC()
	order := Order{
		ID:          id,
		CustomerID:  req.CustomerID,
		WarehouseID: req.WarehouseID,
		Items:       append([]LineItem(nil), req.Items...),
		Total:       Total(req.Items),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	intent, err := outbox.NewEvent(outbox.EventSagaStart, outbox.AggregateOrder, order.ID, SagaStartPayload{
		SagaType:    FulfillmentSagaType,
		OrderID:     order.ID,
		WarehouseID: order.WarehouseID,
		Items:       order.Items,
	})
	if err != nil {
		return Order{}, fmt.Errorf("build saga start: %w", err)
	}

	if err := s.store.Create(ctx, order, intent); err != nil {
		return Order{}, err
	}
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("warehouse_id", order.WarehouseID),
		zap.Int("items", len(order.Items)),
		zap.String("total", order.Total.StringFixed(2)),
	)
	return order, nil
}

// Get returns the order with the given id.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.store.Get(ctx, id)
}

// Cancel stages a compensation request for the order's saga. The saga is
// resolved by the worker from the order id.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return fmt.Errorf("%w: order is %s", ErrNotCancellable, order.Status)
	}
	if reason == "" {
		reason = "cancelled by request"
	}

	intent, err := outbox.NewEvent(outbox.EventSagaStep, outbox.AggregateOrder, id, outbox.StepPayload{
		Action: outbox.ActionCompensate,
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("build cancel intent: %w", err)
	}
	if _, err := s.events.Append(ctx, intent); err != nil {
		return fmt.Errorf("stage cancel: %w", err)
	}
	s.logger.Info("order cancellation requested", zap.String("order_id", id), zap.String("reason", reason))
	return nil
}
