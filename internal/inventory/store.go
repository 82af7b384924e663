package inventory

import (
	"context"
	"errors"
)

// Common errors returned by the store
var (
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Store defines the stock operations checkout and cancellation rely on.
type Store interface {
	// TryReserve atomically decrements stock by qty only if at least qty units remain.
	// It returns the stock left after the decrement. When stock is short nothing changes and
	// the error is a *domain.InsufficientStockError carrying the stock that was seen.
	TryReserve(ctx context.Context, productID int64, qty int) (int, error)

	// Release atomically increments stock by qty. It is unconditional.
	Release(ctx context.Context, productID int64, qty int) error

	// Stock is a plain read for display and advisory checks.
	Stock(ctx context.Context, productID int64) (int, error)
}
