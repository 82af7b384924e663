package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/fjod/go_cart/marketplace/internal/inventory"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultCompensationTimeout = 5 * time.Second

type CheckoutService struct {
	carts  CartStore
	ledger Ledger
	stock  inventory.Store
	// tx is nil when stock and ledger are not co-transactional; checkout then compensates explicitly.
	tx     Transactor
	fees   domain.DeliveryFees
	logger *slog.Logger

	compensationTimeout time.Duration
}

type CheckoutDeps struct {
	Carts      CartStore
	Ledger     Ledger
	Stock      inventory.Store
	Transactor Transactor
	Fees       domain.DeliveryFees
	Logger     *slog.Logger
}

func NewCheckoutService(deps CheckoutDeps) *CheckoutService {
	return &CheckoutService{
		carts:               deps.Carts,
		ledger:              deps.Ledger,
		stock:               deps.Stock,
		tx:                  deps.Transactor,
		fees:                deps.Fees,
		logger:              deps.Logger,
		compensationTimeout: defaultCompensationTimeout,
	}
}

// PlaceOrder turns the buyer's cart into a pending order.
//
// Stock is reserved line by line in ascending product order against the live inventory,
// never against the figure seen when the product was added to the cart. Either every
// reservation and the order are committed together, or none of them remain.
func (s *CheckoutService) PlaceOrder(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	ctx, span := tracer.Start(ctx, "CheckoutService.PlaceOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("buyer.id", req.BuyerID))

	result, err := s.placeOrder(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", result.OrderID.String()), attribute.Bool("order.replayed", result.Replayed))
	return result, nil
}

func (s *CheckoutService) placeOrder(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	fee, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if result, err := s.replay(ctx, req); result != nil || err != nil {
			return result, err
		}
	}

	snapshot, err := s.carts.Snapshot(ctx, req.SessionID)
	if err != nil {
		return nil, storeError("snapshot cart", err)
	}
	if snapshot.IsEmpty() {
		return nil, domain.NewValidationError("cart is empty")
	}

	lines := snapshot.SortedLines()
	order := newOrder(req, lines, snapshot.Subtotal(), fee)
	event, err := orderPlacedEvent(order, req.SessionID)
	if err != nil {
		return nil, storeError("encode order event", err)
	}

	if s.tx != nil {
		err = s.placeInTransaction(ctx, order, lines, event)
	} else {
		err = s.placeWithCompensation(ctx, order, lines, event)
	}

	if errors.Is(err, repository.ErrDuplicateOrder) {
		// A concurrent request with the same key won; ours was rolled back.
		s.logger.InfoContext(ctx, "duplicate checkout resolved to existing order",
			slog.Int64("buyer_id", req.BuyerID), slog.String("idempotency_key", req.IdempotencyKey))
		result, replayErr := s.replay(ctx, req)
		if replayErr != nil {
			return nil, replayErr
		}
		if result == nil {
			return nil, domain.NewStoreFailure("resolve duplicate checkout", err)
		}
		return result, nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "checkout failed",
			slog.Int64("buyer_id", req.BuyerID), slog.String("session_id", req.SessionID), slog.Any("error", err))
		return nil, storeError("place order", err)
	}

	s.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", order.ID.String()),
		slog.Int64("buyer_id", order.BuyerID),
		slog.String("total_amount", order.TotalAmount.StringFixed(2)),
		slog.Int("lines", len(order.Items)))

	s.clearCart(ctx, req.SessionID)

	return &domain.CheckoutResult{OrderID: order.ID, TotalAmount: order.TotalAmount}, nil
}

func (s *CheckoutService) validate(req domain.CheckoutRequest) (decimal.Decimal, error) {
	if req.BuyerID <= 0 {
		return decimal.Zero, domain.NewValidationError("buyer id is required")
	}
	if req.SessionID == "" {
		return decimal.Zero, domain.NewValidationError("session id is required")
	}
	if err := req.ShippingAddress.Validate(); err != nil {
		return decimal.Zero, err
	}
	fee, err := s.fees.For(req.DeliveryMethod)
	if err != nil {
		return decimal.Zero, err
	}
	if !req.PaymentMethod.Valid() {
		return decimal.Zero, domain.NewValidationError("unknown payment method %q", req.PaymentMethod)
	}
	return fee, nil
}

// replay returns the order already placed with the request's idempotency key, or nil if there is none.
func (s *CheckoutService) replay(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	existing, err := s.ledger.GetOrderByIdempotencyKey(ctx, req.BuyerID, req.IdempotencyKey)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("check idempotency key", err)
	}

	s.logger.InfoContext(ctx, "duplicate checkout request",
		slog.String("idempotency_key", req.IdempotencyKey), slog.String("order_id", existing.ID.String()))
	return &domain.CheckoutResult{OrderID: existing.ID, TotalAmount: existing.TotalAmount, Replayed: true}, nil
}

// placeInTransaction reserves and persists inside one transaction. A failure anywhere,
// including a cancelled context, aborts it and leaves no reservation behind.
func (s *CheckoutService) placeInTransaction(ctx context.Context, order *domain.Order, lines []domain.CartLine, event *repository.OutboxEvent) error {
	return s.tx.InTx(ctx, func(tx *repository.Store) error {
		for _, line := range lines {
			if _, err := tx.TryReserve(ctx, line.ProductID, line.Quantity); err != nil {
				return reservationError(line.ProductID, err)
			}
		}
		return tx.CreateOrder(ctx, order, event)
	})
}

// placeWithCompensation is used when the inventory cannot join the ledger transaction.
// Each committed reservation is pushed on a rollback stack that is unwound if any later
// step fails, persistence included.
func (s *CheckoutService) placeWithCompensation(ctx context.Context, order *domain.Order, lines []domain.CartLine, event *repository.OutboxEvent) error {
	var rollback rollbackStack

	err := func() error {
		for _, line := range lines {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := s.stock.TryReserve(ctx, line.ProductID, line.Quantity); err != nil {
				return reservationError(line.ProductID, err)
			}
			productID, qty := line.ProductID, line.Quantity
			rollback.push(fmt.Sprintf("release %d of product %d", qty, productID), func(ctx context.Context) error {
				return s.stock.Release(ctx, productID, qty)
			})
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.ledger.CreateOrder(ctx, order, event)
	}()

	if err != nil && rollback.len() > 0 {
		if failed := rollback.unwind(ctx, s.compensationTimeout, s.logger); failed > 0 {
			return domain.NewStoreFailure("compensate checkout", fmt.Errorf("%d reservations could not be released: %w", failed, err))
		}
	}
	return err
}

func (s *CheckoutService) clearCart(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.carts.Clear(ctx, sessionID); err != nil {
		// The order.placed event carries the session, so the cart poller clears it later.
		s.logger.WarnContext(ctx, "clear cart after checkout failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

func reservationError(productID int64, err error) error {
	var stockErr *domain.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		return stockErr
	case errors.Is(err, inventory.ErrProductNotFound):
		return domain.NewNotFoundError("product %d no longer exists", productID)
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return domain.NewValidationError("invalid quantity for product %d", productID)
	}
	return err
}

func newOrder(req domain.CheckoutRequest, lines []domain.CartLine, subtotal, fee decimal.Decimal) *domain.Order {
	orderID := uuid.New()
	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		productID := line.ProductID
		items = append(items, domain.OrderItem{
			OrderID:         orderID,
			ProductID:       &productID,
			SellerID:        line.SellerID,
			Quantity:        line.Quantity,
			PriceAtPurchase: line.UnitPrice,
		})
	}

	return &domain.Order{
		ID:              orderID,
		BuyerID:         req.BuyerID,
		OrderDate:       time.Now().UTC(),
		TotalAmount:     subtotal.Add(fee),
		DeliveryFee:     fee,
		Status:          domain.OrderStatusPending,
		ShippingAddress: req.ShippingAddress,
		DeliveryMethod:  req.DeliveryMethod,
		PaymentMethod:   req.PaymentMethod,
		IdempotencyKey:  req.IdempotencyKey,
		Items:           items,
	}
}

func orderPlacedEvent(order *domain.Order, sessionID string) (*repository.OutboxEvent, error) {
	payload, err := json.Marshal(domain.OrderPlaced{
		OrderID:     order.ID,
		BuyerID:     order.BuyerID,
		SessionID:   sessionID,
		TotalAmount: order.TotalAmount,
		DeliveryFee: order.DeliveryFee,
		Items:       order.Items,
		PlacedAt:    order.OrderDate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order placed event: %w", err)
	}
	return &repository.OutboxEvent{
		AggregateID: order.ID.String(),
		EventType:   repository.EventOrderPlaced,
		Payload:     payload,
	}, nil
}
