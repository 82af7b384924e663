package cart

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
)

// MemoryRepository keeps carts in process memory. Carts never expire.
type MemoryRepository struct {
	mu    sync.RWMutex
	carts map[string]*domain.Cart
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{carts: make(map[string]*domain.Cart)}
}

func (m *MemoryRepository) GetCart(_ context.Context, sessionID string) (*domain.Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cart, ok := m.carts[sessionID]
	if !ok {
		return nil, ErrCartNotFound
	}
	return cloneCart(cart), nil
}

func (m *MemoryRepository) UpsertCart(_ context.Context, cart *domain.Cart) error {
	now := time.Now().UTC()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[cart.SessionID] = cloneCart(cart)
	return nil
}

func (m *MemoryRepository) DeleteCart(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.carts[sessionID]; !ok {
		return ErrCartNotFound
	}
	delete(m.carts, sessionID)
	return nil
}

func (m *MemoryRepository) DeleteCartUnchangedSince(_ context.Context, sessionID string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cart, ok := m.carts[sessionID]
	if !ok || cart.UpdatedAt.After(since) {
		return false, nil
	}
	delete(m.carts, sessionID)
	return true, nil
}

func cloneCart(c *domain.Cart) *domain.Cart {
	cp := *c
	cp.Lines = slices.Clone(c.Lines)
	if cp.Lines == nil {
		cp.Lines = []domain.CartLine{}
	}
	return &cp
}
