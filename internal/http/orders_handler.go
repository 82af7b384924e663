package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type OrderService interface {
	GetOrder(ctx context.Context, id uuid.UUID, p domain.Principal) (*domain.Order, error)
	ListOrders(ctx context.Context, p domain.Principal) ([]*domain.Order, error)
	Cancel(ctx context.Context, id uuid.UUID, p domain.Principal) (*domain.Order, error)
	SetStatus(ctx context.Context, id uuid.UUID, p domain.Principal, to domain.OrderStatus) (*domain.Order, error)
	Receipt(ctx context.Context, id uuid.UUID, p domain.Principal) (*domain.Receipt, error)
}

type OrdersHandler struct {
	orders  OrderService
	timeout time.Duration
}

func NewOrdersHandler(orders OrderService, timeout time.Duration) *OrdersHandler {
	return &OrdersHandler{
		orders:  orders,
		timeout: timeout,
	}
}

type OrderItemDTO struct {
	ID              int64  `json:"id"`
	ProductID       *int64 `json:"product_id"`
	SellerID        int64  `json:"seller_id"`
	Quantity        int    `json:"quantity"`
	PriceAtPurchase string `json:"price_at_purchase"`
	LineTotal       string `json:"line_total"`
}

type OrderDTO struct {
	ID              string                 `json:"id"`
	BuyerID         int64                  `json:"buyer_id"`
	OrderDate       time.Time              `json:"order_date"`
	Status          domain.OrderStatus     `json:"status"`
	TotalAmount     string                 `json:"total_amount"`
	DeliveryFee     string                 `json:"delivery_fee"`
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	DeliveryMethod  domain.DeliveryMethod  `json:"delivery_method"`
	PaymentMethod   domain.PaymentMethod   `json:"payment_method"`
	Items           []OrderItemDTO         `json:"items"`
}

type ListOrdersResponseDTO struct {
	Orders []OrderDTO `json:"orders"`
}

type SetStatusRequestDTO struct {
	Status string `json:"status"`
}

type ReceiptLineDTO struct {
	ProductID *int64 `json:"product_id"`
	SellerID  int64  `json:"seller_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type ReceiptDTO struct {
	OrderID         string                 `json:"order_id"`
	BuyerID         int64                  `json:"buyer_id"`
	OrderDate       time.Time              `json:"order_date"`
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	DeliveryMethod  domain.DeliveryMethod  `json:"delivery_method"`
	PaymentMethod   domain.PaymentMethod   `json:"payment_method"`
	Lines           []ReceiptLineDTO       `json:"lines"`
	Subtotal        string                 `json:"subtotal"`
	DeliveryFee     string                 `json:"delivery_fee"`
	TotalAmount     string                 `json:"total_amount"`
}

func toOrderDTO(o *domain.Order) OrderDTO {
	items := make([]OrderItemDTO, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemDTO{
			ID:              it.ID,
			ProductID:       it.ProductID,
			SellerID:        it.SellerID,
			Quantity:        it.Quantity,
			PriceAtPurchase: it.PriceAtPurchase.StringFixed(2),
			LineTotal:       it.LineTotal().StringFixed(2),
		})
	}
	return OrderDTO{
		ID:              o.ID.String(),
		BuyerID:         o.BuyerID,
		OrderDate:       o.OrderDate,
		Status:          o.Status,
		TotalAmount:     o.TotalAmount.StringFixed(2),
		DeliveryFee:     o.DeliveryFee.StringFixed(2),
		ShippingAddress: o.ShippingAddress,
		DeliveryMethod:  o.DeliveryMethod,
		PaymentMethod:   o.PaymentMethod,
		Items:           items,
	}
}

func toReceiptDTO(rc *domain.Receipt) ReceiptDTO {
	lines := make([]ReceiptLineDTO, 0, len(rc.Lines))
	for _, l := range rc.Lines {
		lines = append(lines, ReceiptLineDTO{
			ProductID: l.ProductID,
			SellerID:  l.SellerID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.StringFixed(2),
			LineTotal: l.LineTotal.StringFixed(2),
		})
	}
	return ReceiptDTO{
		OrderID:         rc.OrderID.String(),
		BuyerID:         rc.BuyerID,
		OrderDate:       rc.OrderDate,
		ShippingAddress: rc.ShippingAddress,
		DeliveryMethod:  rc.DeliveryMethod,
		PaymentMethod:   rc.PaymentMethod,
		Lines:           lines,
		Subtotal:        rc.Subtotal.StringFixed(2),
		DeliveryFee:     rc.DeliveryFee.StringFixed(2),
		TotalAmount:     rc.TotalAmount.StringFixed(2),
	}
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.ListOrders(ctx, p)
	if err != nil {
		handleError(w, r, err)
		return
	}
	resp := ListOrdersResponseDTO{Orders: make([]OrderDTO, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, toOrderDTO(o))
	}
	respondJSON(w, http.StatusOK, resp)
}

// GET /api/v1/orders/{order_id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, id, ok := principalAndOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, id, p)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

// POST /api/v1/orders/{order_id}/cancel
func (h *OrdersHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, id, ok := principalAndOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.Cancel(ctx, id, p)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

// PUT /api/v1/orders/{order_id}/status
func (h *OrdersHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, id, ok := principalAndOrderID(w, r)
	if !ok {
		return
	}

	var req SetStatusRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		handleError(w, r, err)
		return
	}

	order, err := h.orders.SetStatus(ctx, id, p, status)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

// GET /api/v1/orders/{order_id}/receipt
func (h *OrdersHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, id, ok := principalAndOrderID(w, r)
	if !ok {
		return
	}

	receipt, err := h.orders.Receipt(ctx, id, p)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	p, ok := principalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
	}
	return p, ok
}

func principalAndOrderID(w http.ResponseWriter, r *http.Request) (domain.Principal, uuid.UUID, bool) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return domain.Principal{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "order_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "order_id must be a UUID")
		return domain.Principal{}, uuid.Nil, false
	}
	return p, id, true
}
