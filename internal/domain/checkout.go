package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DeliveryMethod string

const (
	DeliveryStandard DeliveryMethod = "standard"
	DeliveryExpress  DeliveryMethod = "express"
)

// DeliveryFees maps each recognized delivery method to its flat fee.
type DeliveryFees map[DeliveryMethod]decimal.Decimal

func (f DeliveryFees) For(m DeliveryMethod) (decimal.Decimal, error) {
	fee, ok := f[m]
	if !ok {
		return decimal.Zero, NewValidationError("unknown delivery method %q", m)
	}
	return fee, nil
}

// PaymentMethod is recorded as an opaque label; nothing is settled here.
type PaymentMethod string

const (
	PaymentOrangeMoney PaymentMethod = "om"
	PaymentWave        PaymentMethod = "wave"
	PaymentCard        PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentOrangeMoney, PaymentWave, PaymentCard:
		return true
	}
	return false
}

type CheckoutRequest struct {
	BuyerID         int64
	SessionID       string
	ShippingAddress ShippingAddress
	DeliveryMethod  DeliveryMethod
	PaymentMethod   PaymentMethod
	IdempotencyKey  string
}

type CheckoutResult struct {
	OrderID     uuid.UUID
	TotalAmount decimal.Decimal
	// Replayed is set when the idempotency key matched an order placed earlier.
	Replayed bool
}

type ReceiptLine struct {
	ProductID *int64          `json:"product_id"`
	SellerID  int64           `json:"seller_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type Receipt struct {
	OrderID         uuid.UUID       `json:"order_id"`
	BuyerID         int64           `json:"buyer_id"`
	OrderDate       time.Time       `json:"order_date"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	DeliveryMethod  DeliveryMethod  `json:"delivery_method"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	Lines           []ReceiptLine   `json:"lines"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
}

func NewReceipt(o *Order) *Receipt {
	lines := make([]ReceiptLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, ReceiptLine{
			ProductID: item.ProductID,
			SellerID:  item.SellerID,
			Quantity:  item.Quantity,
			UnitPrice: item.PriceAtPurchase,
			LineTotal: item.LineTotal(),
		})
	}
	return &Receipt{
		OrderID:         o.ID,
		BuyerID:         o.BuyerID,
		OrderDate:       o.OrderDate,
		ShippingAddress: o.ShippingAddress,
		DeliveryMethod:  o.DeliveryMethod,
		PaymentMethod:   o.PaymentMethod,
		Lines:           lines,
		Subtotal:        o.Subtotal(),
		DeliveryFee:     o.DeliveryFee,
		TotalAmount:     o.TotalAmount,
	}
}
