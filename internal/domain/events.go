package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderPlaced is published after an order commits. SessionID lets the cart poller
// clear the cart the order was placed from.
type OrderPlaced struct {
	OrderID     uuid.UUID       `json:"order_id"`
	BuyerID     int64           `json:"buyer_id"`
	SessionID   string          `json:"session_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Items       []OrderItem     `json:"items"`
	PlacedAt    time.Time       `json:"placed_at"`
}

// OrderStatusChanged is published for every status change, cancellations included.
type OrderStatusChanged struct {
	OrderID   uuid.UUID   `json:"order_id"`
	BuyerID   int64       `json:"buyer_id"`
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
	ActorID   int64       `json:"actor_id"`
	ActorRole Role        `json:"actor_role"`
	ChangedAt time.Time   `json:"changed_at"`
}
