package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/fjod/go_cart/marketplace/internal/inventory"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	buyer       = domain.Principal{UserID: 42, Role: domain.RoleBuyer}
	otherBuyer  = domain.Principal{UserID: 43, Role: domain.RoleBuyer}
	seller      = domain.Principal{UserID: 7, Role: domain.RoleSeller}
	otherSeller = domain.Principal{UserID: 99, Role: domain.RoleSeller}
	admin       = domain.Principal{UserID: 1, Role: domain.RoleAdmin}
)

// placeTwoLineOrder places qty 2 of the first product and qty 1 of the second for buyer 42.
func placeTwoLineOrder(t *testing.T, h *harness, ids []int64) uuid.UUID {
	t.Helper()
	h.carts.put("s1", line(ids[0], 2, "3.00", 7), line(ids[1], 1, "5.00", 8))
	result, err := h.checkout.PlaceOrder(context.Background(), checkoutRequest(buyer.UserID, "s1"))
	require.NoError(t, err)
	return result.OrderID
}

func TestCancel_ReleasesStockAndRejectsRepeat(t *testing.T) {
	for _, hf := range harnesses {
		t.Run(hf.name, func(t *testing.T) {
			h, ids := hf.build(t, 10, 4)
			id := placeTwoLineOrder(t, h, ids)
			require.Equal(t, 8, h.stockOf(t, ids[0]))
			require.Equal(t, 3, h.stockOf(t, ids[1]))

			order, err := h.orders.Cancel(context.Background(), id, buyer)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusCancelled, order.Status)
			assert.Equal(t, 10, h.stockOf(t, ids[0]))
			assert.Equal(t, 4, h.stockOf(t, ids[1]))

			stored, err := h.orders.GetOrder(context.Background(), id, buyer)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusCancelled, stored.Status)

			_, err = h.orders.Cancel(context.Background(), id, buyer)
			require.ErrorIs(t, err, domain.ErrInvalidTransition)
			assert.Equal(t, 10, h.stockOf(t, ids[0]))
			assert.Equal(t, 4, h.stockOf(t, ids[1]))
		})
	}
}

func TestCancel_BuyerCannotCancelShipped(t *testing.T) {
	for _, hf := range harnesses {
		t.Run(hf.name, func(t *testing.T) {
			h, ids := hf.build(t, 10, 4)
			id := placeTwoLineOrder(t, h, ids)
			h.setStatus(t, id, domain.OrderStatusShipped)

			_, err := h.orders.Cancel(context.Background(), id, buyer)
			require.ErrorIs(t, err, domain.ErrInvalidTransition)

			assert.Equal(t, 8, h.stockOf(t, ids[0]))
			assert.Equal(t, 3, h.stockOf(t, ids[1]))
			order, err := h.orders.GetOrder(context.Background(), id, admin)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusShipped, order.Status)
		})
	}
}

func TestCancel_SellerMayCancelShipped(t *testing.T) {
	for _, hf := range harnesses {
		t.Run(hf.name, func(t *testing.T) {
			h, ids := hf.build(t, 10, 4)
			id := placeTwoLineOrder(t, h, ids)
			h.setStatus(t, id, domain.OrderStatusShipped)

			_, err := h.orders.Cancel(context.Background(), id, seller)
			require.NoError(t, err)
			assert.Equal(t, 10, h.stockOf(t, ids[0]))
			assert.Equal(t, 4, h.stockOf(t, ids[1]))
		})
	}
}

func TestCancel_Ownership(t *testing.T) {
	for _, hf := range harnesses {
		t.Run(hf.name, func(t *testing.T) {
			h, ids := hf.build(t, 10, 4)
			id := placeTwoLineOrder(t, h, ids)

			_, err := h.orders.Cancel(context.Background(), id, otherBuyer)
			assert.ErrorIs(t, err, domain.ErrNotAuthorized)
			_, err = h.orders.Cancel(context.Background(), id, otherSeller)
			assert.ErrorIs(t, err, domain.ErrNotAuthorized)
			_, err = h.orders.Cancel(context.Background(), uuid.New(), admin)
			assert.ErrorIs(t, err, domain.ErrNotFound)

			assert.Equal(t, 8, h.stockOf(t, ids[0]))
		})
	}
}

func TestCancel_ConcurrentReleasesOnce(t *testing.T) {
	for _, hf := range harnesses {
		t.Run(hf.name, func(t *testing.T) {
			h, ids := hf.build(t, 10, 4)
			id := placeTwoLineOrder(t, h, ids)

			const n = 4
			var wg sync.WaitGroup
			errs := make([]error, n)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = h.orders.Cancel(context.Background(), id, admin)
				}()
			}
			wg.Wait()

			var ok int
			for _, err := range errs {
				if err == nil {
					ok++
					continue
				}
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, 10, h.stockOf(t, ids[0]))
			assert.Equal(t, 4, h.stockOf(t, ids[1]))
		})
	}
}

func TestCancel_StatusWriteFailureRestoresReservations(t *testing.T) {
	h, ids := harnesses[0].build(t, 10, 4)
	id := placeTwoLineOrder(t, h, ids)
	h.ledger.updateErr = errors.New("connection reset")

	_, err := h.orders.Cancel(context.Background(), id, buyer)
	require.ErrorIs(t, err, domain.ErrStoreFailure)

	assert.Equal(t, 8, h.stockOf(t, ids[0]))
	assert.Equal(t, 3, h.stockOf(t, ids[1]))
	order, err := h.ledger.GetOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
}

func TestCancel_LostRaceRestoresReservations(t *testing.T) {
	h, ids := harnesses[0].build(t, 10, 4)
	id := placeTwoLineOrder(t, h, ids)
	// A seller ships the order between our read and our compare-and-set.
	h.ledger.beforeUpdate = func() { h.ledger.forceStatus(id, domain.OrderStatusShipped) }

	_, err := h.orders.Cancel(context.Background(), id, buyer)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Equal(t, 8, h.stockOf(t, ids[0]))
	assert.Equal(t, 3, h.stockOf(t, ids[1]))
}

func TestCancel_SkipsProductsRemovedFromCatalog(t *testing.T) {
	h, ids := newTransactionalHarness(t, 10, 4)
	id := placeTwoLineOrder(t, h, ids)
	require.NoError(t, h.repo.DeleteProduct(context.Background(), ids[1]))

	order, err := h.orders.Cancel(context.Background(), id, buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Equal(t, 10, h.stockOf(t, ids[0]))
}

func TestCancel_LostRaceWithRemovedProductOnlyRestoresReleasedItems(t *testing.T) {
	mem := inventory.NewMemoryStore()
	require.NoError(t, mem.SetStock(1, 10))
	require.NoError(t, mem.SetStock(2, 4))
	removed := &atomic.Bool{}
	ledger := newMockLedger()
	h := newCompensatingHarnessWith(vanishingStore{MemoryStore: mem, productID: 2, removed: removed}, ledger)
	id := placeTwoLineOrder(t, h, []int64{1, 2})

	removed.Store(true)
	ledger.beforeUpdate = func() { ledger.forceStatus(id, domain.OrderStatusShipped) }

	_, err := h.orders.Cancel(context.Background(), id, buyer)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.NotErrorIs(t, err, domain.ErrStoreFailure)

	// Product 1 was released and then re-reserved; product 2 was never touched.
	assert.Equal(t, 8, h.stockOf(t, 1))
	removed.Store(false)
	assert.Equal(t, 3, h.stockOf(t, 2))
}

func TestCancel_WritesCancelledEvent(t *testing.T) {
	h, ids := harnesses[0].build(t, 10, 4)
	id := placeTwoLineOrder(t, h, ids)

	_, err := h.orders.Cancel(context.Background(), id, buyer)
	require.NoError(t, err)

	require.Equal(t, []string{repository.EventOrderPlaced, repository.EventOrderCancelled}, h.ledger.eventTypes())
	var payload domain.OrderStatusChanged
	require.NoError(t, json.Unmarshal(h.ledger.events[1].Payload, &payload))
	assert.Equal(t, id, payload.OrderID)
	assert.Equal(t, domain.OrderStatusPending, payload.From)
	assert.Equal(t, domain.OrderStatusCancelled, payload.To)
	assert.Equal(t, domain.RoleBuyer, payload.ActorRole)
}

func TestSetStatus_TransitionTable(t *testing.T) {
	for _, hf := range harnesses {
		t.Run(hf.name, func(t *testing.T) {
			h, ids := hf.build(t, 10, 4)
			id := placeTwoLineOrder(t, h, ids)
			ctx := context.Background()

			_, err := h.orders.SetStatus(ctx, id, buyer, domain.OrderStatusShipped)
			assert.ErrorIs(t, err, domain.ErrNotAuthorized)

			_, err = h.orders.SetStatus(ctx, id, otherSeller, domain.OrderStatusShipped)
			assert.ErrorIs(t, err, domain.ErrNotAuthorized)

			order, err := h.orders.SetStatus(ctx, id, seller, domain.OrderStatusShipped)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusShipped, order.Status)

			_, err = h.orders.SetStatus(ctx, id, seller, domain.OrderStatusPending)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)

			order, err = h.orders.SetStatus(ctx, id, admin, domain.OrderStatusDelivered)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusDelivered, order.Status)

			_, err = h.orders.SetStatus(ctx, id, admin, domain.OrderStatusRefunded)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)

			assert.Equal(t, 8, h.stockOf(t, ids[0]))
		})
	}
}

func TestSetStatus_UnknownStatus(t *testing.T) {
	h, ids := harnesses[0].build(t, 10, 4)
	id := placeTwoLineOrder(t, h, ids)

	_, err := h.orders.SetStatus(context.Background(), id, admin, domain.OrderStatus("lost"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSetStatus_CancelledReleasesStock(t *testing.T) {
	h, ids := harnesses[0].build(t, 10, 4)
	id := placeTwoLineOrder(t, h, ids)

	order, err := h.orders.SetStatus(context.Background(), id, seller, domain.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Equal(t, 10, h.stockOf(t, ids[0]))
	assert.Equal(t, 4, h.stockOf(t, ids[1]))
}

func TestGetOrder_Visibility(t *testing.T) {
	h, ids := harnesses[0].build(t, 10, 4)
	id := placeTwoLineOrder(t, h, ids)
	ctx := context.Background()

	for _, p := range []domain.Principal{buyer, seller, {UserID: 8, Role: domain.RoleSeller}, admin} {
		_, err := h.orders.GetOrder(ctx, id, p)
		assert.NoError(t, err, "principal %+v", p)
	}
	for _, p := range []domain.Principal{otherBuyer, otherSeller, {UserID: 42, Role: "guest"}} {
		_, err := h.orders.GetOrder(ctx, id, p)
		assert.ErrorIs(t, err, domain.ErrNotAuthorized, "principal %+v", p)
	}
	_, err := h.orders.GetOrder(ctx, uuid.New(), admin)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListOrders_ByRole(t *testing.T) {
	for _, hf := range harnesses {
		t.Run(hf.name, func(t *testing.T) {
			h, ids := hf.build(t, 10, 4)
			ctx := context.Background()
			id := placeTwoLineOrder(t, h, ids)

			h.carts.put("s2", line(ids[1], 1, "5.00", 8))
			_, err := h.checkout.PlaceOrder(ctx, checkoutRequest(otherBuyer.UserID, "s2"))
			require.NoError(t, err)

			mine, err := h.orders.ListOrders(ctx, buyer)
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.Equal(t, id, mine[0].ID)

			sold, err := h.orders.ListOrders(ctx, seller)
			require.NoError(t, err)
			require.Len(t, sold, 1)
			assert.Equal(t, id, sold[0].ID)

			sold, err = h.orders.ListOrders(ctx, domain.Principal{UserID: 8, Role: domain.RoleSeller})
			require.NoError(t, err)
			assert.Len(t, sold, 2)

			all, err := h.orders.ListOrders(ctx, admin)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			none, err := h.orders.ListOrders(ctx, otherSeller)
			require.NoError(t, err)
			assert.NotNil(t, none)
			assert.Empty(t, none)

			_, err = h.orders.ListOrders(ctx, domain.Principal{UserID: 1, Role: "guest"})
			assert.ErrorIs(t, err, domain.ErrNotAuthorized)
		})
	}
}

func TestReceipt(t *testing.T) {
	h, ids := harnesses[0].build(t, 10, 4)
	id := placeTwoLineOrder(t, h, ids)
	ctx := context.Background()

	_, err := h.orders.Receipt(ctx, id, buyer)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	h.setStatus(t, id, domain.OrderStatusDelivered)

	receipt, err := h.orders.Receipt(ctx, id, buyer)
	require.NoError(t, err)
	assert.Equal(t, id, receipt.OrderID)
	assert.Len(t, receipt.Lines, 2)
	assert.Equal(t, "11.00", receipt.Subtotal.StringFixed(2))
	assert.Equal(t, "16.00", receipt.TotalAmount.StringFixed(2))

	_, err = h.orders.Receipt(ctx, id, admin)
	assert.NoError(t, err)
	_, err = h.orders.Receipt(ctx, id, seller)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	_, err = h.orders.Receipt(ctx, id, otherBuyer)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}
