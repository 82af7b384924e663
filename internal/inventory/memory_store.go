package inventory

import (
	"context"
	"fmt"
	"sync"

	"github.com/fjod/go_cart/marketplace/internal/domain"
)

// MemoryStore implements Store with in-memory storage.
// It is not co-transactional with the order ledger, so callers compensate explicitly.
type MemoryStore struct {
	mu     sync.Mutex
	stocks map[int64]int // productID -> units on hand
}

// NewMemoryStore creates a new in-memory inventory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stocks: make(map[int64]int),
	}
}

// TryReserve checks and decrements under one lock acquisition
func (s *MemoryStore) TryReserve(ctx context.Context, productID int64, qty int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stock, exists := s.stocks[productID]
	if !exists {
		return 0, ErrProductNotFound
	}
	if stock < qty {
		return stock, &domain.InsufficientStockError{ProductID: productID, Available: stock}
	}

	s.stocks[productID] = stock - qty
	return stock - qty, nil
}

// Release returns qty units to the product
func (s *MemoryStore) Release(ctx context.Context, productID int64, qty int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stocks[productID]; !exists {
		return ErrProductNotFound
	}
	s.stocks[productID] += qty
	return nil
}

// Stock returns the current level for a product
func (s *MemoryStore) Stock(_ context.Context, productID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stock, exists := s.stocks[productID]
	if !exists {
		return 0, ErrProductNotFound
	}
	return stock, nil
}

// SetStock sets the stock level for a product (used for initialization)
func (s *MemoryStore) SetStock(productID int64, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("stock for product %d must not be negative, got %d", productID, quantity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stocks[productID] = quantity
	return nil
}

// Seed loads stock levels from catalog products
func (s *MemoryStore) Seed(products []*domain.Product) error {
	for _, p := range products {
		if err := s.SetStock(p.ID, p.StockQuantity); err != nil {
			return err
		}
	}
	return nil
}
