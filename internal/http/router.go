package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Handlers struct {
	Cart     *CartHandler
	Checkout *CheckoutHandler
	Orders   *OrdersHandler
	Products *ProductHandler
	Health   *HealthHandler
}

type RouterConfig struct {
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
	Limiter            *RateLimiter
}

func NewRouter(h Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	if cfg.MaxRequestBodySize > 0 {
		r.Use(middleware.RequestSize(cfg.MaxRequestBodySize))
	}
	r.Use(IdentityMiddleware)

	r.Get("/health", h.Health.Health)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Middleware)
		}

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.Cart.GetCart)
			r.Post("/items", h.Cart.AddItem)
			r.Put("/items/{product_id}", h.Cart.UpdateQuantity)
			r.Delete("/items/{product_id}", h.Cart.RemoveItem)
			r.Post("/clear", h.Cart.ClearCart)
		})

		r.Post("/checkout", h.Checkout.PlaceOrder)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.Orders.ListOrders)
			r.Route("/{order_id}", func(r chi.Router) {
				r.Get("/", h.Orders.GetOrder)
				r.Post("/cancel", h.Orders.CancelOrder)
				r.Put("/status", h.Orders.SetStatus)
				r.Get("/receipt", h.Orders.GetReceipt)
			})
		})

		r.Get("/products/{product_id}/stock", h.Products.GetStock)
	})

	return otelhttp.NewHandler(r, "marketplace-http")
}
