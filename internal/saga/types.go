package saga

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"stockflow/internal/orders"
	"stockflow/internal/outbox"
)

// Status captures where a saga is in its state machine.
type Status string

const (
	StatusStarted               Status = "started"
	StatusStepPending           Status = "step_pending"
	StatusStepExecuting         Status = "step_executing"
	StatusStepCompleted         Status = "step_completed"
	StatusStepFailed            Status = "step_failed"
	StatusCompensating          Status = "compensating"
	StatusCompensationCompleted Status = "compensation_completed"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
)

// Terminal reports whether the saga has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepKind names a forward step.
type StepKind string

const (
	StepReserveStock   StepKind = "reserve_stock"
	StepProcessPayment StepKind = "process_payment"
	StepFulfillOrder   StepKind = "fulfill_order"
)

// CompensationKind names a reverse action.
type CompensationKind string

const (
	CompensationReleaseStock CompensationKind = "release_stock"
	CompensationVoidPayment  CompensationKind = "void_payment"
)

// EventType classifies an entry of the saga event log.
type EventType string

const (
	EventStepStarted           EventType = "step_started"
	EventStepCompleted         EventType = "step_completed"
	EventStepFailed            EventType = "step_failed"
	EventCompensationStarted   EventType = "compensation_started"
	EventCompensationCompleted EventType = "compensation_completed"
	EventCompensationFailed    EventType = "compensation_failed"
)

var (
	ErrSagaNotFound   = errors.New("saga not found")
	ErrSagaBusy       = errors.New("saga is executing a step")
	ErrUnknownStep    = errors.New("unknown saga step")
	ErrInvalidCommand = errors.New("invalid saga command")
)

// Action is a control-surface action; it shares the saga_step vocabulary.
type Action = outbox.Action

const (
	ActionExecuteNext   = outbox.ActionExecuteNext
	ActionStepCompleted = outbox.ActionStepCompleted
	ActionStepFailed    = outbox.ActionStepFailed
	ActionCompensate    = outbox.ActionCompensate
	ActionRunStep       = outbox.ActionRunStep
)

// Payload is the data a saga carries between steps.
type Payload struct {
	OrderID          string            `json:"order_id"`
	WarehouseID      string            `json:"warehouse_id"`
	Items            []orders.LineItem `json:"items"`
	PaymentReference string            `json:"payment_reference,omitempty"`
}

// Total is the amount to charge for the payload's items.
func (p Payload) Total() decimal.Decimal { return orders.Total(p.Items) }

// Merge folds a step result into the payload.
func (p *Payload) Merge(r StepResult) {
	if r.PaymentReference != "" {
		p.PaymentReference = r.PaymentReference
	}
}

// StepResult is what a forward step hands to the steps after it.
type StepResult struct {
	PaymentReference string `json:"payment_reference,omitempty"`
}

// Saga is the persisted state of one business transaction.
type Saga struct {
	ID            string     `json:"id"`
	Type          string     `json:"saga_type"`
	CorrelationID string     `json:"correlation_id"`
	Status        Status     `json:"status"`
	CurrentStep   StepKind   `json:"current_step,omitempty"`
	Payload       Payload    `json:"payload"`
	// RetryCount counts resumes of an interrupted step; past MaxRetries the
	// step fails and the saga compensates. Zero MaxRetries means no bound.
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Event is one append-only entry of a saga's log. StepType holds a StepKind
// for step events and a CompensationKind for compensation events.
type Event struct {
	ID        int64           `json:"id"`
	SagaID    string          `json:"saga_id"`
	StepType  string          `json:"step_type"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// View is the read model exposed to order-detail callers.
type View struct {
	SagaID       string   `json:"saga_id"`
	Status       Status   `json:"status"`
	CurrentStep  StepKind `json:"current_step,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Events       []Event  `json:"events"`
}

// Notification is published for every saga event and terminal transition.
type Notification struct {
	SagaID        string    `json:"saga_id"`
	SagaType      string    `json:"saga_type"`
	CorrelationID string    `json:"correlation_id"`
	Status        Status    `json:"status"`
	CurrentStep   StepKind  `json:"current_step,omitempty"`
	EventType     EventType `json:"event_type,omitempty"`
	StepType      string    `json:"step_type,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}
