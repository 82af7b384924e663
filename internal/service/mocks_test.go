package service

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/fjod/go_cart/marketplace/internal/inventory"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testFees = domain.DeliveryFees{
	domain.DeliveryStandard: decimal.RequireFromString("5.00"),
	domain.DeliveryExpress:  decimal.RequireFromString("12.50"),
}

var testAddress = domain.ShippingAddress{
	FirstName:  "Awa",
	LastName:   "Diop",
	Address:    "12 Rue Carnot",
	City:       "Dakar",
	PostalCode: "10200",
	Country:    "SN",
}

// mockCartStore hands out fixed snapshots per session.
type mockCartStore struct {
	mu        sync.Mutex
	snapshots map[string]domain.CartSnapshot
	cleared   []string
	clearErr  error
}

func newMockCartStore() *mockCartStore {
	return &mockCartStore{snapshots: make(map[string]domain.CartSnapshot)}
}

func (m *mockCartStore) put(sessionID string, lines ...domain.CartLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[sessionID] = domain.CartSnapshot{SessionID: sessionID, Lines: lines}
}

func (m *mockCartStore) Snapshot(_ context.Context, sessionID string) (domain.CartSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[sessionID]
	if !ok {
		return domain.CartSnapshot{SessionID: sessionID}, nil
	}
	snap.Lines = slices.Clone(snap.Lines)
	return snap, nil
}

func (m *mockCartStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clearErr != nil {
		return m.clearErr
	}
	delete(m.snapshots, sessionID)
	m.cleared = append(m.cleared, sessionID)
	return nil
}

func (m *mockCartStore) clearedSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cleared)
}

// mockLedger is an in-memory Ledger with error injection.
type mockLedger struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*domain.Order
	events []*repository.OutboxEvent

	createErr error
	updateErr error
	// beforeUpdate runs before the compare-and-set, with the lock released.
	beforeUpdate func()
}

func newMockLedger() *mockLedger {
	return &mockLedger{orders: make(map[uuid.UUID]*domain.Order)}
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = slices.Clone(o.Items)
	return &c
}

func (m *mockLedger) CreateOrder(_ context.Context, order *domain.Order, event *repository.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if order.IdempotencyKey != "" {
		for _, o := range m.orders {
			if o.BuyerID == order.BuyerID && o.IdempotencyKey == order.IdempotencyKey {
				return repository.ErrDuplicateOrder
			}
		}
	}
	for i := range order.Items {
		order.Items[i].ID = int64(len(m.orders)*10 + i + 1)
	}
	m.orders[order.ID] = cloneOrder(order)
	m.events = append(m.events, event)
	return nil
}

func (m *mockLedger) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *mockLedger) GetOrderByIdempotencyKey(_ context.Context, buyerID int64, key string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.BuyerID == buyerID && o.IdempotencyKey == key {
			return cloneOrder(o), nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (m *mockLedger) list(keep func(*domain.Order) bool) []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, cloneOrder(o))
		}
	}
	slices.SortFunc(out, func(a, b *domain.Order) int { return b.OrderDate.Compare(a.OrderDate) })
	return out
}

func (m *mockLedger) ListOrdersByBuyer(_ context.Context, buyerID int64) ([]*domain.Order, error) {
	return m.list(func(o *domain.Order) bool { return o.BuyerID == buyerID }), nil
}

func (m *mockLedger) ListOrdersBySeller(_ context.Context, sellerID int64) ([]*domain.Order, error) {
	return m.list(func(o *domain.Order) bool { return o.HasSeller(sellerID) }), nil
}

func (m *mockLedger) ListOrders(context.Context) ([]*domain.Order, error) {
	return m.list(func(*domain.Order) bool { return true }), nil
}

func (m *mockLedger) UpdateStatus(_ context.Context, id uuid.UUID, from, to domain.OrderStatus, event *repository.OutboxEvent) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	o, ok := m.orders[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if o.Status != from {
		return repository.ErrStatusConflict
	}
	o.Status = to
	m.events = append(m.events, event)
	return nil
}

func (m *mockLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *mockLedger) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.events))
	for _, e := range m.events {
		types = append(types, e.EventType)
	}
	return types
}

func (m *mockLedger) forceStatus(id uuid.UUID, status domain.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].Status = status
}

// failingReleaseStore fails Release for one product.
type failingReleaseStore struct {
	*inventory.MemoryStore
	productID int64
}

func (f failingReleaseStore) Release(ctx context.Context, productID int64, qty int) error {
	if productID == f.productID {
		return context.DeadlineExceeded
	}
	return f.MemoryStore.Release(ctx, productID, qty)
}

// vanishingStore drops one product from the catalog once removed is set.
type vanishingStore struct {
	*inventory.MemoryStore
	productID int64
	removed   *atomic.Bool
}

func (v vanishingStore) gone(productID int64) bool {
	return productID == v.productID && v.removed.Load()
}

func (v vanishingStore) TryReserve(ctx context.Context, productID int64, qty int) (int, error) {
	if v.gone(productID) {
		return 0, inventory.ErrProductNotFound
	}
	return v.MemoryStore.TryReserve(ctx, productID, qty)
}

func (v vanishingStore) Release(ctx context.Context, productID int64, qty int) error {
	if v.gone(productID) {
		return inventory.ErrProductNotFound
	}
	return v.MemoryStore.Release(ctx, productID, qty)
}

func (v vanishingStore) Stock(ctx context.Context, productID int64) (int, error) {
	if v.gone(productID) {
		return 0, inventory.ErrProductNotFound
	}
	return v.MemoryStore.Stock(ctx, productID)
}

func line(productID int64, qty int, price string, sellerID int64) domain.CartLine {
	return domain.CartLine{
		ProductID: productID,
		Name:      "product",
		Quantity:  qty,
		UnitPrice: decimal.RequireFromString(price),
		SellerID:  sellerID,
	}
}

func checkoutRequest(buyerID int64, sessionID string) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		BuyerID:         buyerID,
		SessionID:       sessionID,
		ShippingAddress: testAddress,
		DeliveryMethod:  domain.DeliveryStandard,
		PaymentMethod:   domain.PaymentWave,
	}
}

// harness wires both services over one ledger and one stock.
type harness struct {
	carts    *mockCartStore
	stock    inventory.Store
	checkout *CheckoutService
	orders   *OrderService
	// ledger is set for the compensating harness.
	ledger *mockLedger
	// repo is set for the transactional harness.
	repo *repository.Repository
}

func (h *harness) stockOf(t *testing.T, productID int64) int {
	t.Helper()
	n, err := h.stock.Stock(context.Background(), productID)
	require.NoError(t, err)
	return n
}

func (h *harness) orderCount(t *testing.T) int {
	t.Helper()
	if h.ledger != nil {
		return h.ledger.count()
	}
	orders, err := h.repo.ListOrders(context.Background())
	require.NoError(t, err)
	return len(orders)
}

// setStatus moves an order without going through the transition table.
func (h *harness) setStatus(t *testing.T, id uuid.UUID, status domain.OrderStatus) {
	t.Helper()
	if h.ledger != nil {
		h.ledger.forceStatus(id, status)
		return
	}
	order, err := h.repo.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, h.repo.UpdateStatus(context.Background(), id, order.Status, status, &repository.OutboxEvent{
		AggregateID: id.String(),
		EventType:   repository.EventOrderStatusChanged,
		Payload:     []byte(`{}`),
	}))
}

// newCompensatingHarness uses the in-memory stock, which cannot join a ledger transaction.
func newCompensatingHarness(t *testing.T, stock map[int64]int) *harness {
	t.Helper()
	mem := inventory.NewMemoryStore()
	for id, qty := range stock {
		require.NoError(t, mem.SetStock(id, qty))
	}
	return newCompensatingHarnessWith(mem, newMockLedger())
}

func newCompensatingHarnessWith(stock inventory.Store, ledger *mockLedger) *harness {
	carts := newMockCartStore()
	logger := discardLogger()
	return &harness{
		carts:  carts,
		stock:  stock,
		ledger: ledger,
		checkout: NewCheckoutService(CheckoutDeps{
			Carts: carts, Ledger: ledger, Stock: stock, Fees: testFees, Logger: logger,
		}),
		orders: NewOrderService(OrderDeps{Ledger: ledger, Stock: stock, Logger: logger}),
	}
}

// newTransactionalHarness runs stock and ledger in one SQLite database. Products are created
// in ascending id order, so the returned ids line up with the requested stocks.
func newTransactionalHarness(t *testing.T, stocks ...int) (*harness, []int64) {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.RunMigrations("../repository/migrations/sqlite"))

	ids := make([]int64, 0, len(stocks))
	for i, qty := range stocks {
		p := &domain.Product{
			Name:          "test product",
			Price:         decimal.RequireFromString("1.00"),
			StockQuantity: qty,
			SellerID:      int64(7 + i),
		}
		require.NoError(t, repo.CreateProduct(context.Background(), p))
		ids = append(ids, p.ID)
	}

	carts := newMockCartStore()
	logger := discardLogger()
	return &harness{
		carts: carts,
		stock: repo,
		repo:  repo,
		checkout: NewCheckoutService(CheckoutDeps{
			Carts: carts, Ledger: repo, Stock: repo, Transactor: repo, Fees: testFees, Logger: logger,
		}),
		orders: NewOrderService(OrderDeps{Ledger: repo, Stock: repo, Transactor: repo, Logger: logger}),
	}, ids
}

type harnessFactory struct {
	name string
	// build returns a harness whose products have the given stocks and the ids assigned to them.
	build func(t *testing.T, stocks ...int) (*harness, []int64)
}

var harnesses = []harnessFactory{
	{
		name: "compensating",
		build: func(t *testing.T, stocks ...int) (*harness, []int64) {
			m := make(map[int64]int, len(stocks))
			ids := make([]int64, 0, len(stocks))
			for i, qty := range stocks {
				id := int64(i + 1)
				m[id] = qty
				ids = append(ids, id)
			}
			return newCompensatingHarness(t, m), ids
		},
	},
	{
		name:  "transactional",
		build: newTransactionalHarness,
	},
}
