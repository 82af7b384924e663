package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/sony/gobreaker/v2"
)

const defaultBatchSize = 100

// Repository is the outbox side of the order ledger.
type Repository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*repository.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}

// Broker delivers one outbox event. Delivery is at least once: an event is marked processed
// only after Publish returns nil, so a crash in between republishes it.
type Broker interface {
	Publish(ctx context.Context, event *repository.OutboxEvent) error
	Close() error
}

type OutboxPoller struct {
	eventTick time.Duration
	batchSize int
	repo      Repository
	broker    Broker
	breaker   *gobreaker.CircuitBreaker[struct{}]
	logger    *slog.Logger
}

func NewOutboxPoller(repo Repository, broker Broker, logger *slog.Logger) *OutboxPoller {
	return &OutboxPoller{
		eventTick: time.Second,
		batchSize: defaultBatchSize,
		repo:      repo,
		broker:    broker,
		breaker:   newBreaker("outbox-publisher", logger),
		logger:    logger,
	}
}

// Run polls until ctx is cancelled.
func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	defer eventTicker.Stop()

	p.logger.InfoContext(ctx, "outbox poller started", slog.Duration("interval", p.eventTick))
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			p.logger.Info("outbox poller stopped")
			return
		}
	}
}

// processUnpublishedEvents publishes one batch in id order. It stops at the first failure so
// events of one order never overtake each other.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to fetch outbox events", slog.Any("error", err))
		return 0
	}

	published := 0
	for _, event := range events {
		_, err := p.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, p.broker.Publish(ctx, event)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.logger.WarnContext(ctx, "broker circuit open, deferring outbox batch", slog.Int("pending", len(events)-published))
			return published
		}
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to publish event",
				slog.Int64("event_id", event.ID), slog.String("event_type", event.EventType), slog.Any("error", err))
			return published
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.logger.ErrorContext(ctx, "failed to mark event as processed", slog.Int64("event_id", event.ID), slog.Any("error", err))
			return published
		}
		published++
	}
	return published
}

func (p *OutboxPoller) Close() error {
	return p.broker.Close()
}
