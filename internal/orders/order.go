package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order as seen by callers.
type Status string

const (
	StatusPending           Status = "pending"
	StatusReserved          Status = "reserved"
	StatusPaymentProcessing Status = "payment_processing"
	StatusPaid              Status = "paid"
	StatusFulfilling        Status = "fulfilling"
	StatusFulfilled         Status = "fulfilled"
	StatusPaymentFailed     Status = "payment_failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusCancelled
}

// forward is the happy-path progression.
var forward = map[Status]int{
	StatusPending:           0,
	StatusReserved:          1,
	StatusPaymentProcessing: 2,
	StatusPaid:              3,
	StatusFulfilling:        4,
	StatusFulfilled:         5,
}

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrNotCancellable    = errors.New("order can no longer be cancelled")
)

// ValidationError describes a malformed order request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidOrder }

// Transition decides whether moving from one status to another should be
// written. A request for the current status, or for a happy-path status the
// order has already passed, is a no-op (apply=false). Anything else that is
// not a legal edge fails with ErrInvalidTransition.
func Transition(from, to Status) (apply bool, err error) {
	if from == to {
		return false, nil
	}
	if from.Terminal() {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	switch {
	case to == StatusCancelled:
		return true, nil
	case from == StatusPaymentFailed:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	case to == StatusPaymentFailed:
		if from == StatusPaymentProcessing {
			return true, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	fromRank, okFrom := forward[from]
	toRank, okTo := forward[to]
	if !okFrom || !okTo {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	switch {
	case toRank == fromRank+1:
		return true, nil
	case toRank < fromRank:
		return false, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// LineItem is one product line on an order.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Order is the business record that initiates a fulfillment saga.
type Order struct {
	ID               string          `json:"id"`
	CustomerID       string          `json:"customer_id"`
	WarehouseID      string          `json:"warehouse_id"`
	Items            []LineItem      `json:"items"`
	Total            decimal.Decimal `json:"total"`
	Status           Status          `json:"status"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	Notes            []string        `json:"notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Total sums quantity * unit price over items.
func Total(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity)))
	}
	return total
}

// SagaStartPayload is the body of the saga_start outbox event raised when an
// order is created.
type SagaStartPayload struct {
	SagaType    string     `json:"saga_type"`
	OrderID     string     `json:"order_id"`
	WarehouseID string     `json:"warehouse_id"`
	Items       []LineItem `json:"items"`
}

// FulfillmentSagaType names the saga that fulfills an order.
const FulfillmentSagaType = "order_fulfillment"

// CreateRequest is the input to Service.Create.
type CreateRequest struct {
	ID          string     `json:"id,omitempty"`
	CustomerID  string     `json:"customer_id"`
	WarehouseID string     `json:"warehouse_id"`
	Items       []LineItem `json:"items"`
}

// Validate rejects malformed requests before anything is written.
func (r CreateRequest) Validate() error {
	if r.CustomerID == "" {
		return &ValidationError{Field: "customer_id", Reason: "is required"}
	}
	if r.WarehouseID == "" {
		return &ValidationError{Field: "warehouse_id", Reason: "is required"}
	}
	if len(r.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "must not be empty"}
	}
	seen := make(map[string]struct{}, len(r.Items))
	for i, item := range r.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.ProductID == "" {
			return &ValidationError{Field: field + ".product_id", Reason: "is required"}
		}
		if _, dup := seen[item.ProductID]; dup {
			return &ValidationError{Field: field + ".product_id", Reason: "is duplicated"}
		}
		seen[item.ProductID] = struct{}{}
		if item.Quantity <= 0 {
			return &ValidationError{Field: field + ".quantity", Reason: "must be > 0"}
		}
		if item.UnitPrice.IsNegative() {
			return &ValidationError{Field: field + ".unit_price", Reason: "must be >= 0"}
		}
	}
	return nil
}
