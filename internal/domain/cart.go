package domain

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// CartLine carries the price and seller captured when the product was first added.
type CartLine struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	SellerID  int64           `json:"seller_id"`
	AddedAt   time.Time       `json:"added_at"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is an ordered mapping from product id to line, one line per product.
type Cart struct {
	SessionID string     `json:"session_id"`
	Lines     []CartLine `json:"lines"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func NewCart(sessionID string) *Cart {
	now := time.Now().UTC()
	return &Cart{
		SessionID: sessionID,
		Lines:     []CartLine{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *Cart) indexOf(productID int64) int {
	return slices.IndexFunc(c.Lines, func(l CartLine) bool { return l.ProductID == productID })
}

// Quantity returns how many units of the product are already in the cart.
func (c *Cart) Quantity(productID int64) int {
	if i := c.indexOf(productID); i >= 0 {
		return c.Lines[i].Quantity
	}
	return 0
}

func (c *Cart) Contains(productID int64) bool {
	return c.indexOf(productID) >= 0
}

// Merge adds line to the cart. An existing line keeps its snapshot and accumulates quantity.
func (c *Cart) Merge(line CartLine) {
	if i := c.indexOf(line.ProductID); i >= 0 {
		c.Lines[i].Quantity += line.Quantity
	} else {
		if line.AddedAt.IsZero() {
			line.AddedAt = time.Now().UTC()
		}
		c.Lines = append(c.Lines, line)
	}
	c.touch()
}

// SetQuantity replaces the quantity of an existing line; zero removes it.
func (c *Cart) SetQuantity(productID int64, qty int) error {
	if qty < 0 {
		return NewValidationError("quantity must not be negative")
	}
	i := c.indexOf(productID)
	if i < 0 {
		return NewNotFoundError("product %d is not in the cart", productID)
	}
	if qty == 0 {
		c.Lines = slices.Delete(c.Lines, i, i+1)
	} else {
		c.Lines[i].Quantity = qty
	}
	c.touch()
	return nil
}

func (c *Cart) Remove(productID int64) error {
	i := c.indexOf(productID)
	if i < 0 {
		return NewNotFoundError("product %d is not in the cart", productID)
	}
	c.Lines = slices.Delete(c.Lines, i, i+1)
	c.touch()
	return nil
}

func (c *Cart) Clear() {
	c.Lines = []CartLine{}
	c.touch()
}

func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// Snapshot returns a copy that later cart mutations cannot reach.
func (c *Cart) Snapshot() CartSnapshot {
	return CartSnapshot{
		SessionID:  c.SessionID,
		Lines:      slices.Clone(c.Lines),
		CapturedAt: time.Now().UTC(),
	}
}

func (c *Cart) touch() {
	c.UpdatedAt = time.Now().UTC()
}

// CartSnapshot is the immutable input of a checkout.
type CartSnapshot struct {
	SessionID  string     `json:"session_id"`
	Lines      []CartLine `json:"lines"`
	CapturedAt time.Time  `json:"captured_at"`
}

func (s CartSnapshot) IsEmpty() bool {
	return len(s.Lines) == 0
}

// SortedLines returns the lines in ascending product id order, the order reservations are taken in.
func (s CartSnapshot) SortedLines() []CartLine {
	lines := slices.Clone(s.Lines)
	slices.SortFunc(lines, func(a, b CartLine) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return lines
}

func (s CartSnapshot) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lines {
		total = total.Add(l.LineTotal())
	}
	return total
}
