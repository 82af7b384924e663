package cart

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
)

var ErrCartNotFound = errors.New("cart not found")

// Repository persists carts keyed by session id.
type Repository interface {
	GetCart(ctx context.Context, sessionID string) (*domain.Cart, error)
	UpsertCart(ctx context.Context, cart *domain.Cart) error
	DeleteCart(ctx context.Context, sessionID string) error
	// DeleteCartUnchangedSince deletes the cart only if it was last written at or before since.
	// It reports whether a cart was deleted; a missing or newer cart is not an error.
	DeleteCartUnchangedSince(ctx context.Context, sessionID string, since time.Time) (bool, error)
}
