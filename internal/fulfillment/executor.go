package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"stockflow/internal/inventory"
	"stockflow/internal/orders"
	"stockflow/internal/payments"
	"stockflow/internal/reliability"
	"stockflow/internal/saga"
)

// Business failures surfaced to the orchestrator.
var (
	ErrInsufficientStock = inventory.ErrInsufficientStock
	ErrPaymentDeclined   = payments.ErrDeclined
)

const compensationNote = "saga compensation"

// Executor runs the order fulfillment steps against the order store, the
// inventory ledger and the payment gateway. Transient infrastructure errors
// are retried with the configured policy before they reach the saga.
type Executor struct {
	orders  orders.Store
	ledger  inventory.Ledger
	gateway payments.Gateway
	retry   reliability.RetryPolicy
	logger  *zap.Logger
}

var _ saga.StepExecutor = (*Executor)(nil)

// NewExecutor constructs an Executor.
func NewExecutor(orderStore orders.Store, ledger inventory.Ledger, gateway payments.Gateway, retry reliability.RetryPolicy, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		orders:  orderStore,
		ledger:  ledger,
		gateway: gateway,
		retry:   retry,
		logger:  logger,
	}
}

// ReserveStock reserves every line item as one ledger batch, so a failed step
// leaves no reservation behind.
func (e *Executor) ReserveStock(ctx context.Context, s saga.Saga) (saga.StepResult, error) {
	orderID := s.Payload.OrderID
	if err := e.setStatus(ctx, orderID, orders.StatusReserved); err != nil {
		return saga.StepResult{}, err
	}
	if err := e.applyAll(ctx, s, inventory.MovementReserve); err != nil {
		if errors.Is(err, inventory.ErrInsufficientStock) {
			e.logger.Info("insufficient stock",
				zap.String("saga_id", s.ID),
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		}
		return saga.StepResult{}, err
	}
	return saga.StepResult{}, nil
}

// ProcessPayment charges the order total. The gateway is idempotent per order,
// so a re-run returns the original reference.
func (e *Executor) ProcessPayment(ctx context.Context, s saga.Saga) (saga.StepResult, error) {
	orderID := s.Payload.OrderID
	if err := e.setStatus(ctx, orderID, orders.StatusPaymentProcessing); err != nil {
		return saga.StepResult{}, err
	}

	total := s.Payload.Total()
	if total.IsZero() {
		return saga.StepResult{}, e.setStatus(ctx, orderID, orders.StatusPaid)
	}

	var receipt payments.Receipt
	err := e.retry.Do(ctx, func() error {
		var err error
		receipt, err = e.gateway.Charge(ctx, payments.ChargeRequest{OrderID: orderID, Amount: total})
		return err
	})
	if err != nil {
		if errors.Is(err, payments.ErrDeclined) {
			if statusErr := e.setStatus(ctx, orderID, orders.StatusPaymentFailed); statusErr != nil {
				return saga.StepResult{}, errors.Join(err, statusErr)
			}
		}
		return saga.StepResult{}, fmt.Errorf("charge order %s: %w", orderID, err)
	}

	if err := e.retry.Do(ctx, func() error {
		return e.orders.SetPaymentReference(ctx, orderID, receipt.Reference)
	}); err != nil {
		return saga.StepResult{}, err
	}
	if err := e.setStatus(ctx, orderID, orders.StatusPaid); err != nil {
		return saga.StepResult{}, err
	}
	return saga.StepResult{PaymentReference: receipt.Reference}, nil
}

// FulfillOrder ships every line item out of the warehouse. The items move as
// one ledger batch: a failure leaves none of them fulfilled.
func (e *Executor) FulfillOrder(ctx context.Context, s saga.Saga) (saga.StepResult, error) {
	if err := e.setStatus(ctx, s.Payload.OrderID, orders.StatusFulfilling); err != nil {
		return saga.StepResult{}, err
	}
	if err := e.applyAll(ctx, s, inventory.MovementFulfill); err != nil {
		return saga.StepResult{}, err
	}
	return saga.StepResult{}, nil
}

// ReleaseStock drops the reservations of every line item. Items already
// fulfilled for this order hold no reservation and are skipped.
func (e *Executor) ReleaseStock(ctx context.Context, s saga.Saga) error {
	for _, item := range s.Payload.Items {
		fulfilled := movement(s, inventory.MovementFulfill, item).Key()
		var shipped bool
		if err := e.retry.Do(ctx, func() error {
			var err error
			shipped, err = e.ledger.Recorded(ctx, fulfilled)
			return err
		}); err != nil {
			return fmt.Errorf("lookup fulfil %s: %w", item.ProductID, err)
		}
		if shipped {
			e.logger.Warn("release skipped for fulfilled item",
				zap.String("saga_id", s.ID),
				zap.String("order_id", s.Payload.OrderID),
				zap.String("product_id", item.ProductID),
			)
			continue
		}
		m := movement(s, inventory.MovementRelease, item)
		m.Note = compensationNote
		if _, err := e.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// VoidPayment voids the charge carried in the payload. It is a no-op when no
// payment was taken.
func (e *Executor) VoidPayment(ctx context.Context, s saga.Saga) error {
	ref := s.Payload.PaymentReference
	if ref == "" {
		return nil
	}
	orderID := s.Payload.OrderID
	if err := e.retry.Do(ctx, func() error {
		return e.gateway.Void(ctx, orderID, ref)
	}); err != nil {
		return fmt.Errorf("void payment %s: %w", ref, err)
	}

	note := fmt.Sprintf("payment %s voided (%s)", ref, compensationNote)
	return e.retry.Do(ctx, func() error {
		order, err := e.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if slices.Contains(order.Notes, note) {
			return nil
		}
		return e.orders.AddNote(ctx, orderID, note)
	})
}

func (e *Executor) applyAll(ctx context.Context, s saga.Saga, kind inventory.MovementType) error {
	ms := make([]inventory.Movement, 0, len(s.Payload.Items))
	for _, item := range s.Payload.Items {
		ms = append(ms, movement(s, kind, item))
	}
	var applied int
	err := e.retry.Do(ctx, func() error {
		var err error
		applied, err = e.ledger.ApplyAll(ctx, ms)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	if applied < len(ms) {
		e.logger.Debug("duplicate stock movements ignored",
			zap.String("order_id", s.CorrelationID),
			zap.String("movement", string(kind)),
			zap.Int("duplicates", len(ms)-applied),
		)
	}
	return nil
}

func (e *Executor) apply(ctx context.Context, m inventory.Movement) (bool, error) {
	var applied bool
	err := e.retry.Do(ctx, func() error {
		var err error
		applied, err = e.ledger.Apply(ctx, m)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", m.Type, m.ProductID, err)
	}
	if !applied {
		e.logger.Debug("duplicate stock movement ignored",
			zap.String("order_id", m.CorrelationID),
			zap.String("movement", string(m.Type)),
			zap.String("product_id", m.ProductID),
		)
	}
	return applied, nil
}

func (e *Executor) setStatus(ctx context.Context, orderID string, status orders.Status) error {
	err := e.retry.Do(ctx, func() error {
		return e.orders.UpdateStatus(ctx, orderID, status)
	})
	if err != nil {
		return fmt.Errorf("order %s -> %s: %w", orderID, status, err)
	}
	return nil
}

func movement(s saga.Saga, kind inventory.MovementType, item orders.LineItem) inventory.Movement {
	return inventory.Movement{
		CorrelationID: s.CorrelationID,
		Type:          kind,
		ProductID:     item.ProductID,
		WarehouseID:   s.Payload.WarehouseID,
		Quantity:      item.Quantity,
		ReferenceID:   s.ID,
		ReferenceType: "saga",
	}
}
