package publisher

import (
	"context"
	"fmt"

	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "marketplace-order-events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaBroker struct {
	writer messageWriter
}

func NewKafkaBroker(topic string, brokers ...string) *KafkaBroker {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaBroker{writer: w}
}

// Publish keys messages by order id so every event of one order lands on the same partition.
func (b *KafkaBroker) Publish(ctx context.Context, event *repository.OutboxEvent) error {
	if err := b.writer.WriteMessages(ctx, kafkaMessage(event)); err != nil {
		return fmt.Errorf("kafka write event %d: %w", event.ID, err)
	}
	return nil
}

func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}

func kafkaMessage(event *repository.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: event.Payload, // already JSON from the outbox
		Headers: []kafka.Header{
			{Key: EventTypeHeader, Value: []byte(event.EventType)},
		},
	}
}

// EventTypeHeader carries the outbox event type on every published message.
const EventTypeHeader = "event_type"
