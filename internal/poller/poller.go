package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/fjod/go_cart/marketplace/internal/publisher"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/segmentio/kafka-go"
)

const consumerGroup = "marketplace-cart-cleaner"

// CartClearer empties a session cart and its cached copy unless the cart was written after since.
// A missing cart is not an error.
type CartClearer interface {
	ClearIfUnchangedSince(ctx context.Context, sessionID string, since time.Time) (bool, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Poller consumes order.placed events and clears the cart the order was placed from.
// Checkout clears the cart itself; this catches the carts it failed to clear. A cart the buyer
// has written to since the order was placed is left alone, so a late event cannot wipe new lines.
type Poller struct {
	carts   CartClearer
	reader  messageReader
	logger  *slog.Logger
	backoff time.Duration
}

func NewPoller(carts CartClearer, logger *slog.Logger, topic string, brokers ...string) *Poller {
	if topic == "" {
		topic = publisher.DefaultTopic
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  consumerGroup,
		MaxBytes: 10e6, // 10MB
	})
	return &Poller{carts: carts, reader: reader, logger: logger, backoff: time.Second}
}

func (p *Poller) Run(ctx context.Context) {
	p.logger.InfoContext(ctx, "cart poller started")
	for {
		if ctx.Err() != nil {
			p.logger.Info("cart poller stopped")
			return
		}
		if err := p.handleNext(ctx); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "cart poller", slog.Any("error", err))
			select {
			case <-time.After(p.backoff):
			case <-ctx.Done():
			}
		}
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.logger.Error("error closing reader", slog.Any("error", err))
	}
}

// handleNext processes one message. The offset is committed once the message has been handled
// or found to be irrelevant; a failed clear leaves it uncommitted so it is redelivered.
func (p *Poller) handleNext(ctx context.Context) error {
	m, err := p.reader.FetchMessage(ctx)
	if err != nil {
		return err
	}

	if eventType(m) == repository.EventOrderPlaced {
		if err := p.clearCart(ctx, m); err != nil {
			return err
		}
	}
	return p.reader.CommitMessages(ctx, m)
}

func (p *Poller) clearCart(ctx context.Context, m kafka.Message) error {
	var event domain.OrderPlaced
	if err := json.Unmarshal(m.Value, &event); err != nil {
		// A malformed payload will never parse; skip it rather than block the partition.
		p.logger.WarnContext(ctx, "skipping unparseable order event", slog.String("key", string(m.Key)), slog.Any("error", err))
		return nil
	}
	if event.SessionID == "" {
		p.logger.WarnContext(ctx, "order event has no session", slog.String("order_id", event.OrderID.String()))
		return nil
	}

	deleted, err := p.carts.ClearIfUnchangedSince(ctx, event.SessionID, event.PlacedAt)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	p.logger.DebugContext(ctx, "order event handled",
		slog.String("order_id", event.OrderID.String()),
		slog.String("session_id", event.SessionID),
		slog.Bool("cart_cleared", deleted))
	return nil
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == publisher.EventTypeHeader {
			return string(h.Value)
		}
	}
	return ""
}
