package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/google/uuid"
)

const orderColumns = `id, buyer_id, order_date, total_amount, delivery_fee, status,
	shipping_address, delivery_method, payment_method, idempotency_key, updated_at`

// CreateOrder writes the order header, its lines and the accompanying outbox event.
// On a pool-bound Store the statements are independent; Repository.CreateOrder wraps them in a transaction.
func (s *Store) CreateOrder(ctx context.Context, order *domain.Order, event *OutboxEvent) error {
	addressJSON, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}

	now := time.Now().UTC()
	if order.OrderDate.IsZero() {
		order.OrderDate = now
	}
	order.UpdatedAt = order.OrderDate

	query := `INSERT INTO orders (` + orderColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, insertErr := s.q.ExecContext(ctx, query,
		order.ID,
		order.BuyerID,
		order.OrderDate,
		order.TotalAmount,
		order.DeliveryFee,
		order.Status,
		string(addressJSON),
		order.DeliveryMethod,
		order.PaymentMethod,
		nullString(order.IdempotencyKey),
		order.UpdatedAt,
	)
	if insertErr != nil {
		if isUniqueViolation(insertErr) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", insertErr)
	}

	itemQuery := `INSERT INTO order_items (order_id, product_id, seller_id, quantity, price_at_purchase)
	              VALUES ($1, $2, $3, $4, $5) RETURNING id`
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		if err := s.q.QueryRowContext(ctx, itemQuery,
			order.ID,
			nullInt64(item.ProductID),
			item.SellerID,
			item.Quantity,
			item.PriceAtPurchase,
		).Scan(&item.ID); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if event != nil {
		if err := s.InsertEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return s.getOrder(ctx, id, false)
}

// GetOrderForUpdate also locks the order row until the surrounding transaction ends.
// SQLite has no row locks; its single writer serializes the transaction instead.
func (s *Store) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return s.getOrder(ctx, id, s.dialect == DialectPostgres)
}

func (s *Store) getOrder(ctx context.Context, id uuid.UUID, lock bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	order, err := scanOrder(s.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}

	if order.Items, err = s.loadItems(ctx, order.ID); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrderByIdempotencyKey finds the order a buyer already placed with key.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*domain.Order, error) {
	var id uuid.UUID
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE buyer_id = $1 AND idempotency_key = $2`, buyerID, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by idempotency key: %w", err)
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) ListOrdersByBuyer(ctx context.Context, buyerID int64) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE buyer_id = $1 ORDER BY order_date DESC`
	return s.listOrders(ctx, query, buyerID)
}

// ListOrdersBySeller returns every order with at least one line sold by sellerID.
// Each order carries all of its lines, including those of other sellers.
func (s *Store) ListOrdersBySeller(ctx context.Context, sellerID int64) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders o
	          WHERE EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id AND i.seller_id = $1)
	          ORDER BY order_date DESC`
	return s.listOrders(ctx, query, sellerID)
}

func (s *Store) ListOrders(ctx context.Context) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY order_date DESC`
	return s.listOrders(ctx, query)
}

func (s *Store) listOrders(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	// Items are loaded after the cursor is released: SQLite runs on a single connection.
	rows.Close()

	for _, order := range orders {
		if order.Items, err = s.loadItems(ctx, order.ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// UpdateStatus moves the order from one status to another only if it still has the expected
// status, and records event alongside. It returns ErrStatusConflict when another writer got there first.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus, event *OutboxEvent) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if affected == 0 {
		var exists int
		err := s.q.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = $1`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("query order: %w", err)
		}
		return ErrStatusConflict
	}

	if event != nil {
		return s.InsertEvent(ctx, event)
	}
	return nil
}

func (s *Store) loadItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderItem, error) {
	query := `SELECT id, order_id, product_id, seller_id, quantity, price_at_purchase
	          FROM order_items WHERE order_id = $1 ORDER BY id`

	rows, err := s.q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		var productID sql.NullInt64
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&productID,
			&item.SellerID,
			&item.Quantity,
			&item.PriceAtPurchase,
		); err != nil {
			return nil, fmt.Errorf("scan order item row: %w", err)
		}
		if productID.Valid {
			item.ProductID = &productID.Int64
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var addressJSON []byte
	var idempotencyKey sql.NullString
	if err := row.Scan(
		&order.ID,
		&order.BuyerID,
		&order.OrderDate,
		&order.TotalAmount,
		&order.DeliveryFee,
		&order.Status,
		&addressJSON,
		&order.DeliveryMethod,
		&order.PaymentMethod,
		&idempotencyKey,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}
	order.IdempotencyKey = idempotencyKey.String

	if err := json.Unmarshal(addressJSON, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	return &order, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// CreateOrder writes the order, its lines and event atomically.
func (r *Repository) CreateOrder(ctx context.Context, order *domain.Order, event *OutboxEvent) error {
	return r.InTx(ctx, func(tx *Store) error {
		return tx.CreateOrder(ctx, order, event)
	})
}

// UpdateStatus performs the compare-and-set status change and records event atomically.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus, event *OutboxEvent) error {
	return r.InTx(ctx, func(tx *Store) error {
		return tx.UpdateStatus(ctx, id, from, to, event)
	})
}
