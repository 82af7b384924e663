package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/fjod/go_cart/marketplace/internal/inventory"
)

type StockReader interface {
	Stock(ctx context.Context, productID int64) (int, error)
}

type ProductHandler struct {
	stock   StockReader
	timeout time.Duration
}

func NewProductHandler(stock StockReader, timeout time.Duration) *ProductHandler {
	return &ProductHandler{
		stock:   stock,
		timeout: timeout,
	}
}

type StockResponseDTO struct {
	ProductID     int64 `json:"product_id"`
	StockQuantity int   `json:"stock_quantity"`
}

// GET /api/v1/products/{product_id}/stock
func (h *ProductHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	qty, err := h.stock.Stock(ctx, productID)
	if errors.Is(err, inventory.ErrProductNotFound) {
		err = domain.NewNotFoundError("product %d", productID)
	} else if err != nil {
		err = domain.NewStoreFailure("read stock", err)
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, StockResponseDTO{ProductID: productID, StockQuantity: qty})
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck = func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]HealthCheck
	timeout time.Duration
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 2 * time.Second}
}

type HealthResponseDTO struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := HealthResponseDTO{Status: "ok"}
	status := http.StatusOK
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	respondJSON(w, status, resp)
}
