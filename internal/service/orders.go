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
	"github.com/fjod/go_cart/marketplace/internal/keylock"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type OrderService struct {
	ledger Ledger
	stock  inventory.Store
	// tx is nil when stock and ledger are not co-transactional; cancellation then compensates explicitly.
	tx     Transactor
	logger *slog.Logger

	// orders serializes status changes per order in compensating mode, where no row lock exists.
	orders              keylock.Locker
	compensationTimeout time.Duration
}

type OrderDeps struct {
	Ledger     Ledger
	Stock      inventory.Store
	Transactor Transactor
	Logger     *slog.Logger
}

func NewOrderService(deps OrderDeps) *OrderService {
	return &OrderService{
		ledger:              deps.Ledger,
		stock:               deps.Stock,
		tx:                  deps.Transactor,
		logger:              deps.Logger,
		compensationTimeout: defaultCompensationTimeout,
	}
}

// GetOrder returns an order to its buyer, to any seller with an item in it, or to an admin.
func (s *OrderService) GetOrder(ctx context.Context, id uuid.UUID, p domain.Principal) (*domain.Order, error) {
	order, err := s.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, orderLookupError(id, err)
	}
	if !order.VisibleTo(p) {
		return nil, domain.NewNotAuthorizedError("order %s", id)
	}
	return order, nil
}

// ListOrders returns the orders the principal may see, newest first.
func (s *OrderService) ListOrders(ctx context.Context, p domain.Principal) ([]*domain.Order, error) {
	var (
		orders []*domain.Order
		err    error
	)
	switch p.Role {
	case domain.RoleBuyer:
		orders, err = s.ledger.ListOrdersByBuyer(ctx, p.UserID)
	case domain.RoleSeller:
		orders, err = s.ledger.ListOrdersBySeller(ctx, p.UserID)
	case domain.RoleAdmin:
		orders, err = s.ledger.ListOrders(ctx)
	default:
		return nil, domain.NewNotAuthorizedError("unknown role %q", p.Role)
	}
	if err != nil {
		return nil, storeError("list orders", err)
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	return orders, nil
}

// Receipt is available to the buyer and to admins once the order has been delivered.
func (s *OrderService) Receipt(ctx context.Context, id uuid.UUID, p domain.Principal) (*domain.Receipt, error) {
	order, err := s.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, orderLookupError(id, err)
	}
	if !p.IsAdmin() && !(p.Role == domain.RoleBuyer && order.BuyerID == p.UserID) {
		return nil, domain.NewNotAuthorizedError("receipt for order %s", id)
	}
	if order.Status != domain.OrderStatusDelivered {
		return nil, domain.NewNotFoundError("receipt for order %s: order is %s", id, order.Status)
	}
	return domain.NewReceipt(order), nil
}

// SetStatus moves an order to a new status if the transition table allows it for the
// principal's role. Cancellation goes through Cancel so stock is always released.
func (s *OrderService) SetStatus(ctx context.Context, id uuid.UUID, p domain.Principal, to domain.OrderStatus) (*domain.Order, error) {
	if !to.Valid() {
		return nil, domain.NewValidationError("unknown order status %q", to)
	}
	if to == domain.OrderStatusCancelled {
		return s.Cancel(ctx, id, p)
	}

	ctx, span := tracer.Start(ctx, "OrderService.SetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id.String()), attribute.String("order.to", to.String()))

	order, err := s.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, orderLookupError(id, err)
	}
	if err := authorizeChange(order, p); err != nil {
		return nil, err
	}
	if err := domain.CheckTransition(order.Status, to, p.Role); err != nil {
		return nil, err
	}

	event, err := statusChangedEvent(repository.EventOrderStatusChanged, order, to, p)
	if err != nil {
		return nil, storeError("encode status event", err)
	}
	if err := s.ledger.UpdateStatus(ctx, id, order.Status, to, event); err != nil {
		return nil, statusUpdateError(order.Status, to, err)
	}

	s.logger.InfoContext(ctx, "order status changed",
		slog.String("order_id", id.String()),
		slog.String("from", order.Status.String()),
		slog.String("to", to.String()),
		slog.String("role", p.Role.String()))

	order.Status = to
	return order, nil
}

// Cancel releases the stock of every item still in the catalog and marks the order cancelled.
// The releases and the status change take effect together or not at all.
func (s *OrderService) Cancel(ctx context.Context, id uuid.UUID, p domain.Principal) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "OrderService.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id.String()))

	var (
		order *domain.Order
		err   error
	)
	if s.tx != nil {
		order, err = s.cancelInTransaction(ctx, id, p)
	} else {
		order, err = s.cancelWithCompensation(ctx, id, p)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_id", id.String()),
		slog.Int64("actor_id", p.UserID),
		slog.String("role", p.Role.String()))
	return order, nil
}

func (s *OrderService) cancelInTransaction(ctx context.Context, id uuid.UUID, p domain.Principal) (*domain.Order, error) {
	var cancelled *domain.Order
	err := s.tx.InTx(ctx, func(tx *repository.Store) error {
		order, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return orderLookupError(id, err)
		}
		event, err := s.checkCancel(order, p)
		if err != nil {
			return err
		}

		for _, item := range order.Items {
			if _, err := s.releaseItem(ctx, tx, order.ID, item); err != nil {
				return err
			}
		}

		if err := tx.UpdateStatus(ctx, id, order.Status, domain.OrderStatusCancelled, event); err != nil {
			return statusUpdateError(order.Status, domain.OrderStatusCancelled, err)
		}
		order.Status = domain.OrderStatusCancelled
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, storeError("cancel order", err)
	}
	return cancelled, nil
}

func (s *OrderService) cancelWithCompensation(ctx context.Context, id uuid.UUID, p domain.Principal) (*domain.Order, error) {
	unlock := s.orders.Lock(id.String())
	defer unlock()

	order, err := s.ledger.GetOrder(ctx, id)
	if err != nil {
		return nil, orderLookupError(id, err)
	}
	event, err := s.checkCancel(order, p)
	if err != nil {
		return nil, err
	}

	var rollback rollbackStack
	err = func() error {
		for _, item := range order.Items {
			released, err := s.releaseItem(ctx, s.stock, order.ID, item)
			if err != nil {
				return err
			}
			if !released {
				continue
			}
			productID, qty := *item.ProductID, item.Quantity
			rollback.push(fmt.Sprintf("re-reserve %d of product %d", qty, productID), func(ctx context.Context) error {
				_, err := s.stock.TryReserve(ctx, productID, qty)
				return err
			})
		}
		if err := s.ledger.UpdateStatus(ctx, id, order.Status, domain.OrderStatusCancelled, event); err != nil {
			return statusUpdateError(order.Status, domain.OrderStatusCancelled, err)
		}
		return nil
	}()

	if err != nil {
		if rollback.len() > 0 {
			if failed := rollback.unwind(ctx, s.compensationTimeout, s.logger); failed > 0 {
				return nil, domain.NewStoreFailure("compensate cancellation", fmt.Errorf("%d releases could not be undone: %w", failed, err))
			}
		}
		return nil, storeError("cancel order", err)
	}

	order.Status = domain.OrderStatusCancelled
	return order, nil
}

func (s *OrderService) checkCancel(order *domain.Order, p domain.Principal) (*repository.OutboxEvent, error) {
	if err := authorizeChange(order, p); err != nil {
		return nil, err
	}
	if err := domain.CheckTransition(order.Status, domain.OrderStatusCancelled, p.Role); err != nil {
		return nil, err
	}
	event, err := statusChangedEvent(repository.EventOrderCancelled, order, domain.OrderStatusCancelled, p)
	if err != nil {
		return nil, storeError("encode cancel event", err)
	}
	return event, nil
}

// releaseItem returns an item's quantity to stock and reports whether anything was released.
// Items whose product left the catalog are skipped: there is no row to restore stock to.
func (s *OrderService) releaseItem(ctx context.Context, stock inventory.Store, orderID uuid.UUID, item domain.OrderItem) (bool, error) {
	if item.ProductID == nil {
		return false, nil
	}
	err := stock.Release(ctx, *item.ProductID, item.Quantity)
	if errors.Is(err, inventory.ErrProductNotFound) {
		s.logger.WarnContext(ctx, "product removed before its stock could be released",
			slog.String("order_id", orderID.String()), slog.Int64("product_id", *item.ProductID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// authorizeChange checks ownership: a buyer may only touch their own orders and a seller
// only orders containing one of their items.
func authorizeChange(order *domain.Order, p domain.Principal) error {
	if !p.Role.Valid() {
		return domain.NewNotAuthorizedError("unknown role %q", p.Role)
	}
	if !order.VisibleTo(p) {
		return domain.NewNotAuthorizedError("order %s", order.ID)
	}
	return nil
}

func orderLookupError(id uuid.UUID, err error) error {
	if errors.Is(err, repository.ErrOrderNotFound) {
		return domain.NewNotFoundError("order %s", id)
	}
	return storeError("get order", err)
}

// statusUpdateError maps a lost compare-and-set to InvalidTransition: another request moved
// the order first, so the caller's view of it is stale.
func statusUpdateError(from, to domain.OrderStatus, err error) error {
	if errors.Is(err, repository.ErrStatusConflict) {
		return fmt.Errorf("%w: order is no longer %s", domain.NewInvalidTransitionError(from, to), from)
	}
	return storeError("update order status", err)
}

func statusChangedEvent(eventType string, order *domain.Order, to domain.OrderStatus, p domain.Principal) (*repository.OutboxEvent, error) {
	payload, err := json.Marshal(domain.OrderStatusChanged{
		OrderID:   order.ID,
		BuyerID:   order.BuyerID,
		From:      order.Status,
		To:        to,
		ActorID:   p.UserID,
		ActorRole: p.Role,
		ChangedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status event: %w", err)
	}
	return &repository.OutboxEvent{
		AggregateID: order.ID.String(),
		EventType:   eventType,
		Payload:     payload,
	}, nil
}
