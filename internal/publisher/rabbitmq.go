package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/repository"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultQueue = "marketplace.order-events"

// ChannelPool shares one AMQP connection between a fixed number of channels.
type ChannelPool struct {
	conn      *amqp.Connection
	channels  chan *amqp.Channel
	mu        sync.Mutex
	closed    bool
	queueName string
	logger    *slog.Logger
}

func NewChannelPool(rabbitmqURL, queueName string, size int, logger *slog.Logger) (*ChannelPool, error) {
	if size <= 0 {
		size = 1
	}
	conn, err := amqp.Dial(rabbitmqURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	pool := &ChannelPool{
		conn:      conn,
		channels:  make(chan *amqp.Channel, size),
		queueName: queueName,
		logger:    logger,
	}

	for i := range size {
		ch, err := pool.createChannel()
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create channel %d: %w", i, err)
		}
		pool.channels <- ch
	}

	logger.Info("created RabbitMQ channel pool", slog.Int("size", size), slog.String("queue", queueName))
	return pool, nil
}

func (p *ChannelPool) createChannel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}

	_, err = ch.QueueDeclare(
		p.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Publisher confirms, so Publish only succeeds once the broker has the message.
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable confirms: %w", err)
	}
	return ch, nil
}

// GetChannel waits for a free channel until ctx is done.
func (p *ChannelPool) GetChannel(ctx context.Context) (*amqp.Channel, error) {
	select {
	case ch, ok := <-p.channels:
		if !ok {
			return nil, errors.New("channel pool is closed")
		}
		if ch.IsClosed() {
			return p.createChannel()
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ChannelPool) ReturnChannel(ch *amqp.Channel) {
	if ch == nil || ch.IsClosed() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = ch.Close()
		return
	}
	select {
	case p.channels <- ch:
	default:
		_ = ch.Close()
	}
}

func (p *ChannelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	close(p.channels)
	for ch := range p.channels {
		_ = ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.logger.Info("closed RabbitMQ channel pool")
}

type RabbitMQBroker struct {
	pool      *ChannelPool
	queueName string
	timeout   time.Duration
}

func NewRabbitMQBroker(pool *ChannelPool, queueName string) *RabbitMQBroker {
	return &RabbitMQBroker{pool: pool, queueName: queueName, timeout: 5 * time.Second}
}

func (b *RabbitMQBroker) Publish(ctx context.Context, event *repository.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ch, err := b.pool.GetChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get channel from pool: %w", err)
	}
	defer b.pool.ReturnChannel(ch)

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		"",          // exchange
		b.queueName, // routing key (queue name)
		false,       // mandatory
		false,       // immediate
		amqpPublishing(event))
	if err != nil {
		return fmt.Errorf("failed to publish event %d: %w", event.ID, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm of event %d: %w", event.ID, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked event %d", event.ID)
	}
	return nil
}

func (b *RabbitMQBroker) Close() error {
	b.pool.Close()
	return nil
}

func amqpPublishing(event *repository.OutboxEvent) amqp.Publishing {
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    strconv.FormatInt(event.ID, 10),
		Type:         event.EventType,
		Timestamp:    event.CreatedAt,
		Headers: amqp.Table{
			EventTypeHeader: event.EventType,
			"order_id":      event.AggregateID,
		},
		Body: event.Payload,
	}
}
