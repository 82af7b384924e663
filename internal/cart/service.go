package cart

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/cache"
	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/fjod/go_cart/marketplace/internal/inventory"
	"github.com/fjod/go_cart/marketplace/internal/keylock"
	"golang.org/x/sync/singleflight"
)

// Catalog resolves the price and seller snapshotted into a new cart line.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
}

// Service owns session carts. Stock is only read here, as an advisory check; nothing is reserved.
type Service struct {
	repo    Repository
	cache   cache.CartCache
	catalog Catalog
	stock   inventory.Store
	logger  *slog.Logger

	sfg   singleflight.Group // coalesces concurrent cache misses per session
	locks keylock.Locker

	// gens is bumped on every write to a stripe's sessions, so a cache fill that
	// raced a write can tell its value is stale.
	gens [generationStripes]atomic.Uint64
}

const generationStripes = 64

func NewService(repo Repository, c cache.CartCache, catalog Catalog, stock inventory.Store, logger *slog.Logger) *Service {
	if c == nil {
		c = cache.NopCache{}
	}
	return &Service{
		repo:    repo,
		cache:   c,
		catalog: catalog,
		stock:   stock,
		logger:  logger,
	}
}

// Get returns the session's cart, or an empty one if the session has none yet.
// The returned cart may be shared with concurrent readers and must not be modified.
func (s *Service) Get(ctx context.Context, sessionID string) (*domain.Cart, error) {
	if err := validateSession(sessionID); err != nil {
		return nil, err
	}

	v, err, _ := s.sfg.Do(sessionID, func() (any, error) {
		cart, err := s.cache.Get(ctx, sessionID)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.WarnContext(ctx, "cart cache get failed", slog.String("session_id", sessionID), slog.Any("error", err))
		}

		gen := s.generation(sessionID)
		loadedAt := gen.Load()
		cart, err = s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		go func(c *domain.Cart) {
			setCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := s.cache.Set(setCtx, sessionID, c); err != nil {
				s.logger.Warn("cart cache set failed", slog.String("session_id", sessionID), slog.Any("error", err))
				return
			}
			if gen.Load() != loadedAt {
				s.invalidateCache(sessionID)
			}
		}(cart)

		return cart, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Cart), nil
}

// Snapshot returns a detached copy of the cart for checkout. It reads the store under the
// session lock and never the cache, so a cart cleared or edited a moment ago is seen as it is now.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (domain.CartSnapshot, error) {
	if err := validateSession(sessionID); err != nil {
		return domain.CartSnapshot{}, err
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	cart, err := s.load(ctx, sessionID)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	return cart.Snapshot(), nil
}

// Add merges qty units of a product into the cart. The combined quantity must fit the
// currently advertised stock.
func (s *Service) Add(ctx context.Context, sessionID string, productID int64, qty int) (*domain.Cart, error) {
	if qty <= 0 {
		return nil, domain.NewValidationError("quantity must be positive, got %d", qty)
	}

	return s.mutate(ctx, sessionID, func(cart *domain.Cart) error {
		product, err := s.product(ctx, productID)
		if err != nil {
			return err
		}
		if err := s.checkStock(ctx, productID, cart.Quantity(productID)+qty); err != nil {
			return err
		}

		cart.Merge(domain.CartLine{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  qty,
			UnitPrice: product.Price,
			SellerID:  product.SellerID,
			AddedAt:   time.Now().UTC(),
		})
		return nil
	})
}

// SetQuantity replaces the quantity of a line already in the cart; zero removes it.
func (s *Service) SetQuantity(ctx context.Context, sessionID string, productID int64, qty int) (*domain.Cart, error) {
	if qty < 0 {
		return nil, domain.NewValidationError("quantity must not be negative, got %d", qty)
	}

	return s.mutate(ctx, sessionID, func(cart *domain.Cart) error {
		if !cart.Contains(productID) {
			return domain.NewNotFoundError("product %d is not in the cart", productID)
		}
		if qty > 0 {
			if err := s.checkStock(ctx, productID, qty); err != nil {
				return err
			}
		}
		return cart.SetQuantity(productID, qty)
	})
}

func (s *Service) Remove(ctx context.Context, sessionID string, productID int64) (*domain.Cart, error) {
	return s.mutate(ctx, sessionID, func(cart *domain.Cart) error {
		return cart.Remove(productID)
	})
}

// Clear empties the cart. Clearing a session without a cart is not an error.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	if err := validateSession(sessionID); err != nil {
		return err
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if err := s.repo.DeleteCart(ctx, sessionID); err != nil && !errors.Is(err, ErrCartNotFound) {
		s.logger.ErrorContext(ctx, "delete cart failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return domain.NewStoreFailure("delete cart", err)
	}

	s.written(sessionID)
	return nil
}

// ClearIfUnchangedSince empties the cart only if it has not been written after since.
// A cart refilled after an order was placed survives a late clear for that order.
// It reports whether a cart was deleted.
func (s *Service) ClearIfUnchangedSince(ctx context.Context, sessionID string, since time.Time) (bool, error) {
	if err := validateSession(sessionID); err != nil {
		return false, err
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	deleted, err := s.repo.DeleteCartUnchangedSince(ctx, sessionID, since)
	if err != nil {
		s.logger.ErrorContext(ctx, "conditional cart delete failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return false, domain.NewStoreFailure("delete cart", err)
	}
	if deleted {
		s.written(sessionID)
	}
	return deleted, nil
}

// mutate applies fn to the stored cart and saves it. Mutations of one session are serialized
// so concurrent requests cannot overwrite each other's lines.
func (s *Service) mutate(ctx context.Context, sessionID string, fn func(*domain.Cart) error) (*domain.Cart, error) {
	if err := validateSession(sessionID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	cart, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(cart); err != nil {
		return nil, err
	}

	if err := s.repo.UpsertCart(ctx, cart); err != nil {
		s.logger.ErrorContext(ctx, "save cart failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil, domain.NewStoreFailure("save cart", err)
	}

	s.written(sessionID)
	return cart, nil
}

func (s *Service) load(ctx context.Context, sessionID string) (*domain.Cart, error) {
	cart, err := s.repo.GetCart(ctx, sessionID)
	if errors.Is(err, ErrCartNotFound) {
		return domain.NewCart(sessionID), nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "load cart failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil, domain.NewStoreFailure("load cart", err)
	}
	return cart, nil
}

func (s *Service) product(ctx context.Context, productID int64) (*domain.Product, error) {
	product, err := s.catalog.GetProduct(ctx, productID)
	if errors.Is(err, inventory.ErrProductNotFound) {
		return nil, domain.NewNotFoundError("product %d", productID)
	}
	if err != nil {
		return nil, domain.NewStoreFailure("get product", err)
	}
	return product, nil
}

func (s *Service) checkStock(ctx context.Context, productID int64, want int) error {
	available, err := s.stock.Stock(ctx, productID)
	if errors.Is(err, inventory.ErrProductNotFound) {
		return domain.NewNotFoundError("product %d", productID)
	}
	if err != nil {
		return domain.NewStoreFailure("read stock", err)
	}
	if want > available {
		return &domain.InsufficientStockError{ProductID: productID, Available: available}
	}
	return nil
}

func (s *Service) generation(sessionID string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &s.gens[h.Sum32()%generationStripes]
}

// written bumps the session generation and drops the cached cart. Call it after the store write.
func (s *Service) written(sessionID string) {
	s.generation(sessionID).Add(1)
	s.invalidateCache(sessionID)
}

func (s *Service) invalidateCache(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, sessionID); err != nil {
		s.logger.Warn("cart cache invalidate failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

func validateSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return domain.NewValidationError("session id is required")
	}
	return nil
}
