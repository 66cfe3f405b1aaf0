package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stockflow/internal/saga"
)

// Broadcaster pushes messages to connected clients. topic is the order id.
type Broadcaster interface {
	Broadcast(topic string, msg []byte)
}

// FanoutPublisher forwards notifications to every sink and broadcasts them.
// A failing sink does not stop the others.
type FanoutPublisher struct {
	sinks       []saga.Notifier
	broadcaster Broadcaster
}

var _ saga.Notifier = (*FanoutPublisher)(nil)

// NewFanoutPublisher constructs a publisher that fans out to sinks and broadcaster.
func NewFanoutPublisher(broadcaster Broadcaster, sinks ...saga.Notifier) *FanoutPublisher {
	return &FanoutPublisher{sinks: sinks, broadcaster: broadcaster}
}

// Publish writes to each sink then broadcasts the notification.
func (p *FanoutPublisher) Publish(ctx context.Context, n saga.Notification) error {
	var errs []error
	for i, sink := range p.sinks {
		if err := sink.Publish(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}

	if p.broadcaster != nil {
		payload := struct {
			Type string `json:"type"`
			saga.Notification
		}{
			Type:         "saga",
			Notification: n,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			errs = append(errs, err)
		} else {
			p.broadcaster.Broadcast(n.CorrelationID, data)
		}
	}

	return errors.Join(errs...)
}
