package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// EventType identifies what an outbox event asks the worker to do.
type EventType string

const (
	EventSagaStart EventType = "saga_start"
	EventSagaStep  EventType = "saga_step"
)

// AggregateOrder is the aggregate type of every event raised by order writes.
const AggregateOrder = "order"

// Action is the orchestrator action carried by a saga_step event.
type Action string

const (
	ActionExecuteNext   Action = "execute_next"
	ActionStepCompleted Action = "step_completed"
	ActionStepFailed    Action = "step_failed"
	ActionCompensate    Action = "compensate"
	ActionRunStep       Action = "run_step"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionExecuteNext, ActionStepCompleted, ActionStepFailed, ActionCompensate, ActionRunStep:
		return true
	}
	return false
}

var (
	ErrEventNotFound = errors.New("outbox event not found")
	ErrInvalidEvent  = errors.New("invalid outbox event")
)

// Event is a staged intent waiting to be relayed by the poller.
type Event struct {
	ID            int64           `json:"id"`
	EventType     EventType       `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
}

// Validate checks the fields every stored event needs.
func (e Event) Validate() error {
	switch {
	case e.EventType != EventSagaStart && e.EventType != EventSagaStep:
		return errors.Join(ErrInvalidEvent, errors.New("unknown event type "+string(e.EventType)))
	case e.AggregateID == "":
		return errors.Join(ErrInvalidEvent, errors.New("aggregate id is required"))
	case len(e.Payload) == 0 || !json.Valid(e.Payload):
		return errors.Join(ErrInvalidEvent, errors.New("payload must be valid JSON"))
	}
	return nil
}

// StepPayload is the body of a saga_step event. SagaID may be empty, in which
// case the saga is resolved from the event's aggregate id.
type StepPayload struct {
	SagaID     string          `json:"saga_id,omitempty"`
	Action     Action          `json:"action"`
	Step       string          `json:"step,omitempty"`
	StepResult json.RawMessage `json:"step_result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// NewEvent marshals payload into an event ready to append.
func NewEvent(eventType EventType, aggregateType, aggregateID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	e := Event{
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       raw,
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Store stages and relays outbox events.
type Store interface {
	Append(ctx context.Context, event Event) (int64, error)
	// FetchUnprocessed returns unprocessed events below the retry ceiling in id order.
	FetchUnprocessed(ctx context.Context, maxRetries, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, id int64) error
	// IncrementRetry records a failed attempt and returns the new retry count.
	IncrementRetry(ctx context.Context, id int64, lastError string) (int, error)
	// DeadLetters lists unprocessed events that reached the retry ceiling.
	DeadLetters(ctx context.Context, maxRetries, limit int) ([]Event, error)
}
