package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"stockflow/internal/saga"
)

// MessageWriter is the kafka-go writer surface used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each notification to a topic keyed by correlation
// id, so one order's events stay in one partition.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaWriter builds a hash-balanced writer for topic.
func NewKafkaWriter(brokers []string, topic string, timeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: timeout,
	}
}

// NewKafkaPublisher constructs a KafkaPublisher.
func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (k *KafkaPublisher) Publish(ctx context.Context, n saga.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.CorrelationID),
		Value: value,
		Time:  n.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(n.EventType)},
			{Key: "saga_type", Value: []byte(n.SagaType)},
		},
	})
}

// Close flushes and closes the writer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
