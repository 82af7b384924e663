package service

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/fjod/go_cart/marketplace/internal/inventory"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/fjod/go_cart/marketplace/internal/service")

// CartStore is the part of the cart service checkout depends on.
type CartStore interface {
	Snapshot(ctx context.Context, sessionID string) (domain.CartSnapshot, error)
	Clear(ctx context.Context, sessionID string) error
}

// Ledger stores orders. CreateOrder and UpdateStatus write their outbox event atomically
// with the ledger change.
type Ledger interface {
	CreateOrder(ctx context.Context, order *domain.Order, event *repository.OutboxEvent) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*domain.Order, error)
	ListOrdersByBuyer(ctx context.Context, buyerID int64) ([]*domain.Order, error)
	ListOrdersBySeller(ctx context.Context, sellerID int64) ([]*domain.Order, error)
	ListOrders(ctx context.Context) ([]*domain.Order, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus, event *repository.OutboxEvent) error
}

// Transactor runs fn in one database transaction covering both stock and ledger writes.
// When the inventory lives in the same database it replaces explicit compensation.
type Transactor interface {
	InTx(ctx context.Context, fn func(tx *repository.Store) error) error
}

// storeError passes domain errors through and turns anything else into a StoreFailure,
// so callers never see a raw driver error.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}

	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		return domain.NewNotFoundError("order")
	case errors.Is(err, inventory.ErrProductNotFound):
		return domain.NewNotFoundError("product")
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return domain.NewValidationError("%v", err)
	}
	return domain.NewStoreFailure(op, err)
}

func isDomainError(err error) bool {
	for _, kind := range []error{
		domain.ErrValidation,
		domain.ErrInsufficientStock,
		domain.ErrInvalidTransition,
		domain.ErrNotAuthorized,
		domain.ErrNotFound,
		domain.ErrStoreFailure,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
