package worker

import (
	"context"
	"fmt"

	"stockflow/internal/outbox"
	"stockflow/internal/saga"
)

// OutboxDispatcher hands saga steps to the poller by staging run_step events,
// so every step runs in its own drain with the outbox retry ceiling.
type OutboxDispatcher struct {
	events outbox.Store
}

var _ saga.StepDispatcher = (*OutboxDispatcher)(nil)

func NewOutboxDispatcher(events outbox.Store) *OutboxDispatcher {
	return &OutboxDispatcher{events: events}
}

func (d *OutboxDispatcher) Dispatch(ctx context.Context, s saga.Saga, step saga.StepKind) error {
	e, err := outbox.NewEvent(outbox.EventSagaStep, outbox.AggregateOrder, s.CorrelationID, outbox.StepPayload{
		SagaID: s.ID,
		Action: outbox.ActionRunStep,
		Step:   string(step),
	})
	if err != nil {
		return err
	}
	if _, err := d.events.Append(ctx, e); err != nil {
		return fmt.Errorf("stage %s for saga %s: %w", step, s.ID, err)
	}
	return nil
}
