package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CartServiceMock struct {
	cart *domain.Cart
	err  error

	// last call
	sessionID string
	productID int64
	qty       int
}

func (m *CartServiceMock) Get(_ context.Context, sessionID string) (*domain.Cart, error) {
	m.sessionID = sessionID
	if m.err != nil {
		return nil, m.err
	}
	return m.cart, nil
}

func (m *CartServiceMock) Add(_ context.Context, sessionID string, productID int64, qty int) (*domain.Cart, error) {
	m.sessionID, m.productID, m.qty = sessionID, productID, qty
	if m.err != nil {
		return nil, m.err
	}
	return m.cart, nil
}

func (m *CartServiceMock) SetQuantity(_ context.Context, sessionID string, productID int64, qty int) (*domain.Cart, error) {
	m.sessionID, m.productID, m.qty = sessionID, productID, qty
	if m.err != nil {
		return nil, m.err
	}
	return m.cart, nil
}

func (m *CartServiceMock) Remove(_ context.Context, sessionID string, productID int64) (*domain.Cart, error) {
	m.sessionID, m.productID = sessionID, productID
	if m.err != nil {
		return nil, m.err
	}
	return m.cart, nil
}

func (m *CartServiceMock) Clear(_ context.Context, sessionID string) error {
	m.sessionID = sessionID
	return m.err
}

type CheckoutServiceMock struct {
	result *domain.CheckoutResult
	err    error
	req    domain.CheckoutRequest
}

func (m *CheckoutServiceMock) PlaceOrder(_ context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	m.req = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type OrderServiceMock struct {
	order   *domain.Order
	orders  []*domain.Order
	receipt *domain.Receipt
	err     error

	principal domain.Principal
	status    domain.OrderStatus
	cancelled bool
}

func (m *OrderServiceMock) GetOrder(_ context.Context, _ uuid.UUID, p domain.Principal) (*domain.Order, error) {
	m.principal = p
	if m.err != nil {
		return nil, m.err
	}
	return m.order, nil
}

func (m *OrderServiceMock) ListOrders(_ context.Context, p domain.Principal) ([]*domain.Order, error) {
	m.principal = p
	if m.err != nil {
		return nil, m.err
	}
	return m.orders, nil
}

func (m *OrderServiceMock) Cancel(_ context.Context, _ uuid.UUID, p domain.Principal) (*domain.Order, error) {
	m.principal = p
	m.cancelled = true
	if m.err != nil {
		return nil, m.err
	}
	return m.order, nil
}

func (m *OrderServiceMock) SetStatus(_ context.Context, _ uuid.UUID, p domain.Principal, to domain.OrderStatus) (*domain.Order, error) {
	m.principal, m.status = p, to
	if m.err != nil {
		return nil, m.err
	}
	return m.order, nil
}

func (m *OrderServiceMock) Receipt(_ context.Context, _ uuid.UUID, p domain.Principal) (*domain.Receipt, error) {
	m.principal = p
	if m.err != nil {
		return nil, m.err
	}
	return m.receipt, nil
}

type StockMock struct {
	stock map[int64]int
	err   error
}

func (m StockMock) Stock(_ context.Context, productID int64) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.stock[productID], nil
}

// --- helpers ---

func sampleCart() *domain.Cart {
	c := domain.NewCart("session-1")
	c.Merge(domain.CartLine{ProductID: 1, Name: "Wireless Mouse", Quantity: 2, UnitPrice: decimal.RequireFromString("3.00"), SellerID: 7})
	c.Merge(domain.CartLine{ProductID: 2, Name: "USB Cable", Quantity: 1, UnitPrice: decimal.RequireFromString("5.00"), SellerID: 8})
	return c
}

func sampleOrder() *domain.Order {
	productID := int64(1)
	id := uuid.MustParse("6f1c1c43-8a4e-4c55-9d5e-0b7e0c3f2a11")
	return &domain.Order{
		ID:          id,
		BuyerID:     42,
		OrderDate:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		TotalAmount: decimal.RequireFromString("11.00"),
		DeliveryFee: decimal.RequireFromString("5.00"),
		Status:      domain.OrderStatusPending,
		ShippingAddress: domain.ShippingAddress{
			FirstName: "Awa", LastName: "Diop", Address: "12 Rue Carnot", City: "Dakar", PostalCode: "10200", Country: "SN",
		},
		DeliveryMethod: domain.DeliveryStandard,
		PaymentMethod:  domain.PaymentWave,
		Items: []domain.OrderItem{{
			ID: 1, OrderID: id, ProductID: &productID, SellerID: 7, Quantity: 2,
			PriceAtPurchase: decimal.RequireFromString("3.00"),
		}},
	}
}

func withIdentity(r *http.Request, userID int64, role domain.Role) *http.Request {
	r.Header.Set(HeaderUserID, strconv.FormatInt(userID, 10))
	r.Header.Set(HeaderUserRole, string(role))
	return r
}

func withSession(r *http.Request, sessionID string) *http.Request {
	r.Header.Set(HeaderSessionID, sessionID)
	return r
}

type testServer struct {
	handler  http.Handler
	carts    *CartServiceMock
	checkout *CheckoutServiceMock
	orders   *OrderServiceMock
}

func newTestServer(limiter *RateLimiter) *testServer {
	carts := &CartServiceMock{cart: sampleCart()}
	checkout := &CheckoutServiceMock{}
	orders := &OrderServiceMock{order: sampleOrder()}
	h := Handlers{
		Cart:     NewCartHandler(carts, 5*time.Second),
		Checkout: NewCheckoutHandler(checkout, 5*time.Second),
		Orders:   NewOrdersHandler(orders, 5*time.Second),
		Products: NewProductHandler(StockMock{stock: map[int64]int{1: 7}}, 5*time.Second),
		Health:   NewHealthHandler(nil),
	}
	return &testServer{
		handler:  NewRouter(h, RouterConfig{RequestTimeout: 5 * time.Second, MaxRequestBodySize: 1 << 20, Limiter: limiter}),
		carts:    carts,
		checkout: checkout,
		orders:   orders,
	}
}
