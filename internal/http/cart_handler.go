package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/go-chi/chi/v5"
)

type CartService interface {
	Get(ctx context.Context, sessionID string) (*domain.Cart, error)
	Add(ctx context.Context, sessionID string, productID int64, qty int) (*domain.Cart, error)
	SetQuantity(ctx context.Context, sessionID string, productID int64, qty int) (*domain.Cart, error)
	Remove(ctx context.Context, sessionID string, productID int64) (*domain.Cart, error)
	Clear(ctx context.Context, sessionID string) error
}

type CartHandler struct {
	carts   CartService
	timeout time.Duration
}

func NewCartHandler(carts CartService, timeout time.Duration) *CartHandler {
	return &CartHandler{
		carts:   carts,
		timeout: timeout,
	}
}

type AddItemRequestDTO struct {
	ProductID int64 `json:"product_id"`
	// Quantity defaults to 1 when omitted.
	Quantity *int `json:"quantity"`
}

type UpdateQuantityRequestDTO struct {
	Quantity *int `json:"quantity"`
}

type CartLineDTO struct {
	ProductID int64     `json:"product_id"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity"`
	UnitPrice string    `json:"unit_price"`
	LineTotal string    `json:"line_total"`
	SellerID  int64     `json:"seller_id"`
	AddedAt   time.Time `json:"added_at"`
}

type CartResponseDTO struct {
	SessionID string        `json:"session_id"`
	Lines     []CartLineDTO `json:"lines"`
	Subtotal  string        `json:"subtotal"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func toCartResponse(c *domain.Cart) CartResponseDTO {
	snap := c.Snapshot()
	lines := make([]CartLineDTO, 0, len(c.Lines))
	for _, l := range c.Lines {
		lines = append(lines, CartLineDTO{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.StringFixed(2),
			LineTotal: l.LineTotal().StringFixed(2),
			SellerID:  l.SellerID,
			AddedAt:   l.AddedAt,
		})
	}
	return CartResponseDTO{
		SessionID: c.SessionID,
		Lines:     lines,
		Subtotal:  snap.Subtotal().StringFixed(2),
		UpdatedAt: c.UpdatedAt,
	}
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	cart, err := h.carts.Get(ctx, sessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(cart))
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req AddItemRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProductID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}
	qty := 1
	if req.Quantity != nil {
		qty = *req.Quantity
	}

	cart, err := h.carts.Add(ctx, sessionID, req.ProductID, qty)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toCartResponse(cart))
}

// PUT /api/v1/cart/items/{product_id}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	var req UpdateQuantityRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Quantity == nil {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity is required")
		return
	}

	cart, err := h.carts.SetQuantity(ctx, sessionID, productID, *req.Quantity)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(cart))
}

// DELETE /api/v1/cart/items/{product_id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	cart, err := h.carts.Remove(ctx, sessionID, productID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(cart))
}

// POST /api/v1/cart/clear
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	if err := h.carts.Clear(ctx, sessionID); err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(domain.NewCart(sessionID)))
}

func requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := sessionFrom(r.Context())
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session", HeaderSessionID+" header is required")
		return "", false
	}
	return sessionID, true
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return 0, false
	}
	return productID, true
}
