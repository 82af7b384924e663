package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ShippingAddress is snapshotted into the order and never changes afterwards.
type ShippingAddress struct {
	FirstName  string `json:"firstname"`
	LastName   string `json:"lastname"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (a ShippingAddress) Validate() error {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"firstname", a.FirstName},
		{"lastname", a.LastName},
		{"address", a.Address},
		{"city", a.City},
		{"postal_code", a.PostalCode},
		{"country", a.Country},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return NewValidationError("shipping address is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

type OrderItem struct {
	ID      int64     `json:"id"`
	OrderID uuid.UUID `json:"order_id"`
	// ProductID is nil once the product has been removed from the catalog.
	ProductID       *int64          `json:"product_id"`
	SellerID        int64           `json:"seller_id"`
	Quantity        int             `json:"quantity"`
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.PriceAtPurchase.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID              uuid.UUID       `json:"id"`
	BuyerID         int64           `json:"buyer_id"`
	OrderDate       time.Time       `json:"order_date"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
	Status          OrderStatus     `json:"status"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	DeliveryMethod  DeliveryMethod  `json:"delivery_method"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	IdempotencyKey  string          `json:"-"`
	Items           []OrderItem     `json:"items"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// HasSeller reports whether any line of the order was sold by sellerID.
func (o *Order) HasSeller(sellerID int64) bool {
	for _, item := range o.Items {
		if item.SellerID == sellerID {
			return true
		}
	}
	return false
}

func (o *Order) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// VisibleTo implements the read rule: the buyer who placed it, any seller with an item in it, or an admin.
func (o *Order) VisibleTo(p Principal) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleBuyer:
		return o.BuyerID == p.UserID
	case RoleSeller:
		return o.HasSeller(p.UserID)
	}
	return false
}
