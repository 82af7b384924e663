package cart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/fjod/go_cart/marketplace/internal/cache"
	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/fjod/go_cart/marketplace/internal/inventory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type mockCatalog struct {
	products map[int64]*domain.Product
	err      error
}

func (m *mockCatalog) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.products[id]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	return p, nil
}

type mockCache struct {
	m       sync.Mutex
	carts   map[string]*domain.Cart
	deletes int
	getErr  error
}

func (m *mockCache) Get(_ context.Context, sessionID string) (*domain.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	c, ok := m.carts[sessionID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return c, nil
}

func (m *mockCache) Set(_ context.Context, sessionID string, cart *domain.Cart) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.carts[sessionID] = cart
	return nil
}

func (m *mockCache) Delete(_ context.Context, sessionID string) error {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.carts, sessionID)
	m.deletes++
	return nil
}

func (m *mockCache) deleteCount() int {
	m.m.Lock()
	defer m.m.Unlock()
	return m.deletes
}

// blockingCache holds every Set until release is closed.
type blockingCache struct {
	*mockCache
	setStarted chan struct{}
	release    chan struct{}
}

func newBlockingCache() *blockingCache {
	return &blockingCache{
		mockCache:  &mockCache{carts: make(map[string]*domain.Cart)},
		setStarted: make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func (b *blockingCache) Set(ctx context.Context, sessionID string, cart *domain.Cart) error {
	select {
	case b.setStarted <- struct{}{}:
	default:
	}
	<-b.release
	return b.mockCache.Set(ctx, sessionID, cart)
}

// failingRepository fails every write.
type failingRepository struct {
	*MemoryRepository
}

func (f failingRepository) UpsertCart(context.Context, *domain.Cart) error {
	return errors.New("mongo unavailable")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	svc     *Service
	repo    *MemoryRepository
	cache   *mockCache
	stock   *inventory.MemoryStore
	catalog *mockCatalog
}

// setupService seeds two products: 1 at 3.00 with 5 in stock, 2 at 5.00 with 1 in stock.
func setupService(t *testing.T) *testEnv {
	t.Helper()
	catalog := &mockCatalog{products: map[int64]*domain.Product{
		1: {ID: 1, Name: "Mouse", Price: decimal.RequireFromString("3.00"), StockQuantity: 5, SellerID: 7},
		2: {ID: 2, Name: "Hub", Price: decimal.RequireFromString("5.00"), StockQuantity: 1, SellerID: 8},
	}}
	stock := inventory.NewMemoryStore()
	require.NoError(t, stock.SetStock(1, 5))
	require.NoError(t, stock.SetStock(2, 1))

	repo := NewMemoryRepository()
	c := &mockCache{carts: make(map[string]*domain.Cart)}
	return &testEnv{
		svc:     NewService(repo, c, catalog, stock, discardLogger()),
		repo:    repo,
		cache:   c,
		stock:   stock,
		catalog: catalog,
	}
}
