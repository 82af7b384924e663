package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/marketplace/internal/domain"
	"github.com/fjod/go_cart/marketplace/internal/inventory"
)

var _ inventory.Store = (*Store)(nil)

// TryReserve decrements stock in a single conditional statement, so two buyers racing for the
// last unit cannot both succeed even without an explicit row lock.
func (s *Store) TryReserve(ctx context.Context, productID int64, qty int) (int, error) {
	if qty <= 0 {
		return 0, inventory.ErrInvalidQuantity
	}

	query := `UPDATE products SET stock_quantity = stock_quantity - $1
	          WHERE id = $2 AND stock_quantity >= $3
	          RETURNING stock_quantity`

	var remaining int
	err := s.q.QueryRowContext(ctx, query, qty, productID, qty).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("reserve stock for product %d: %w", productID, err)
	}

	// Nothing was reserved. available is informational and may already be stale; a product
	// deleted since the UPDATE surfaces here as ErrProductNotFound.
	available, err := s.Stock(ctx, productID)
	if err != nil {
		return 0, err
	}
	return available, &domain.InsufficientStockError{ProductID: productID, Available: available}
}

func (s *Store) Release(ctx context.Context, productID int64, qty int) error {
	if qty <= 0 {
		return inventory.ErrInvalidQuantity
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE products SET stock_quantity = stock_quantity + $1 WHERE id = $2`, qty, productID)
	if err != nil {
		return fmt.Errorf("release stock for product %d: %w", productID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release stock for product %d: %w", productID, err)
	}
	if affected == 0 {
		return inventory.ErrProductNotFound
	}
	return nil
}

func (s *Store) Stock(ctx context.Context, productID int64) (int, error) {
	var stock int
	err := s.q.QueryRowContext(ctx, `SELECT stock_quantity FROM products WHERE id = $1`, productID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, inventory.ErrProductNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query stock: %w", err)
	}
	return stock, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	query := `SELECT id, name, price, stock_quantity, seller_id, created_at FROM products WHERE id = $1`

	var p domain.Product
	err := s.q.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Price,
		&p.StockQuantity,
		&p.SellerID,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product by id: %w", err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]*domain.Product, error) {
	query := `SELECT id, name, price, stock_quantity, seller_id, created_at FROM products ORDER BY id`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []*domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(
			&p.ID,
			&p.Name,
			&p.Price,
			&p.StockQuantity,
			&p.SellerID,
			&p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		products = append(products, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return products, nil
}

// CreateProduct inserts p and fills in its generated ID.
func (s *Store) CreateProduct(ctx context.Context, p *domain.Product) error {
	if p.StockQuantity < 0 {
		return domain.NewValidationError("stock_quantity must not be negative")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO products (name, price, stock_quantity, seller_id, created_at)
	          VALUES ($1, $2, $3, $4, $5) RETURNING id`

	err := s.q.QueryRowContext(ctx, query, p.Name, p.Price, p.StockQuantity, p.SellerID, p.CreatedAt).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// DeleteProduct removes a product from the catalog. Order lines that referenced it keep their
// price and quantity but lose the product reference.
func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if affected == 0 {
		return inventory.ErrProductNotFound
	}
	return nil
}
