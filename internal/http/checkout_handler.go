package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
)

type CheckoutService interface {
	PlaceOrder(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error)
}

type CheckoutHandler struct {
	checkout CheckoutService
	timeout  time.Duration
}

func NewCheckoutHandler(checkout CheckoutService, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: checkout,
		timeout:  timeout,
	}
}

const HeaderIdempotencyKey = "Idempotency-Key"

type CheckoutRequestDTO struct {
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	DeliveryMethod  domain.DeliveryMethod  `json:"delivery_method"`
	PaymentMethod   domain.PaymentMethod   `json:"payment_method"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
}

type CheckoutResponseDTO struct {
	OrderID     string `json:"order_id"`
	TotalAmount string `json:"total_amount"`
	Replayed    bool   `json:"replayed,omitempty"`
}

// POST /api/v1/checkout
func (h *CheckoutHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, ok := principalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}
	if p.Role != domain.RoleBuyer {
		respondError(w, http.StatusForbidden, "not_authorized", "only buyers can check out")
		return
	}
	sessionID, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req CheckoutRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		key = req.IdempotencyKey
	}

	result, err := h.checkout.PlaceOrder(ctx, domain.CheckoutRequest{
		BuyerID:         p.UserID,
		SessionID:       sessionID,
		ShippingAddress: req.ShippingAddress,
		DeliveryMethod:  req.DeliveryMethod,
		PaymentMethod:   req.PaymentMethod,
		IdempotencyKey:  key,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, CheckoutResponseDTO{
		OrderID:     result.OrderID.String(),
		TotalAmount: result.TotalAmount.StringFixed(2),
		Replayed:    result.Replayed,
	})
}
