package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/models"
)

// CreateCart creates a new active cart
func (s *Store) CreateCart(ctx context.Context, cart *models.Cart) error {
	query := `
		INSERT INTO carts (id, user_id, status, currency, total)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		cart.ID, cart.UserID, cart.Status, cart.Currency, cart.Total).
		Scan(&cart.CreatedAt, &cart.UpdatedAt)
}

// GetCartByID retrieves a cart by ID
func (s *Store) GetCartByID(ctx context.Context, id string) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart, "SELECT * FROM carts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrCartNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// GetCartItems retrieves all line items for a cart
func (s *Store) GetCartItems(ctx context.Context, cartID string) ([]models.CartItem, error) {
	var items []models.CartItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY id", cartID)
	return items, err
}

// AddCartItemTx adds quantity of a product to an active cart, merging with an
// existing line for the same product. Fails when the cart is not active, the
// product is missing, or requested quantity exceeds current stock.
func (s *Store) AddCartItemTx(ctx context.Context, cartID string, productID int64, quantity int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status, err := lockCartStatus(ctx, tx, cartID)
	if err != nil {
		return err
	}
	if status != models.CartStatusActive {
		return fmt.Errorf("%w: status=%s", ErrCartNotActive, status)
	}

	var product models.Product
	err = tx.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", productID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	if err != nil {
		return err
	}

	var existing int
	err = tx.GetContext(ctx, &existing,
		"SELECT COALESCE(SUM(quantity), 0) FROM cart_items WHERE cart_id = $1 AND product_id = $2",
		cartID, productID)
	if err != nil {
		return err
	}

	if existing+quantity > product.Stock {
		return fmt.Errorf("%w: product=%d stock=%d requested=%d",
			ErrInsufficientStock, productID, product.Stock, existing+quantity)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cart_items (cart_id, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cart_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, unit_price = EXCLUDED.unit_price`,
		cartID, productID, quantity, product.Price)
	if err != nil {
		return err
	}

	if err := touchCart(ctx, tx, cartID); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveCartItemTx removes a product line from an active cart entirely.
func (s *Store) RemoveCartItemTx(ctx context.Context, cartID string, productID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status, err := lockCartStatus(ctx, tx, cartID)
	if err != nil {
		return err
	}
	if status != models.CartStatusActive {
		return fmt.Errorf("%w: status=%s", ErrCartNotActive, status)
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2", cartID, productID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: product=%d", ErrItemNotFound, productID)
	}

	if err := touchCart(ctx, tx, cartID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReduceCartItemTx lowers a line's quantity, deleting the line at zero.
func (s *Store) ReduceCartItemTx(ctx context.Context, cartID string, productID int64, quantity int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status, err := lockCartStatus(ctx, tx, cartID)
	if err != nil {
		return err
	}
	if status != models.CartStatusActive {
		return fmt.Errorf("%w: status=%s", ErrCartNotActive, status)
	}

	var current int
	err = tx.GetContext(ctx, &current,
		"SELECT quantity FROM cart_items WHERE cart_id = $1 AND product_id = $2",
		cartID, productID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: product=%d", ErrItemNotFound, productID)
	}
	if err != nil {
		return err
	}

	if current <= quantity {
		_, err = tx.ExecContext(ctx,
			"DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2", cartID, productID)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE cart_items SET quantity = quantity - $1 WHERE cart_id = $2 AND product_id = $3",
			quantity, cartID, productID)
	}
	if err != nil {
		return err
	}

	if err := touchCart(ctx, tx, cartID); err != nil {
		return err
	}
	return tx.Commit()
}

// CheckoutCartTx freezes an active cart: re-reads every line's product from
// the catalog, snapshots unit prices, stores the recomputed total, and moves
// the cart to checked_out. Fails closed when a product vanished since it was
// added, when the cart is empty, or when it was already checked out.
func (s *Store) CheckoutCartTx(ctx context.Context, cartID string) (*models.Cart, []models.CartItem, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var cart models.Cart
	err = tx.GetContext(ctx, &cart, "SELECT * FROM carts WHERE id = $1 FOR UPDATE", cartID)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("%w: %s", ErrCartNotFound, cartID)
	}
	if err != nil {
		return nil, nil, err
	}
	if cart.Status != models.CartStatusActive {
		return nil, nil, fmt.Errorf("%w: status=%s", ErrCartNotActive, cart.Status)
	}

	var items []models.CartItem
	if err := tx.SelectContext(ctx, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY id", cartID); err != nil {
		return nil, nil, err
	}
	if len(items) == 0 {
		return nil, nil, ErrEmptyCart
	}

	total := decimal.Zero
	for i := range items {
		var product models.Product
		err := tx.GetContext(ctx, &product,
			"SELECT * FROM products WHERE id = $1", items[i].ProductID)
		if err == sql.ErrNoRows {
			return nil, nil, fmt.Errorf("%w: product=%d", ErrStaleProduct, items[i].ProductID)
		}
		if err != nil {
			return nil, nil, err
		}

		items[i].UnitPrice = product.Price
		total = total.Add(product.Price.Mul(decimal.NewFromInt(int64(items[i].Quantity))))

		_, err = tx.ExecContext(ctx,
			"UPDATE cart_items SET unit_price = $1 WHERE id = $2",
			product.Price, items[i].ID)
		if err != nil {
			return nil, nil, err
		}
	}

	err = tx.GetContext(ctx, &cart, `
		UPDATE carts SET status = $1, total = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING *`,
		models.CartStatusCheckedOut, total, cartID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &cart, items, nil
}

// MarkCartPaidTx is the one place stock is decremented. All line items are
// deducted in a single transaction; if any product's stock fell below the
// required quantity since checkout the whole transaction rolls back and the
// cart stays checked_out for manual reconciliation.
func (s *Store) MarkCartPaidTx(ctx context.Context, cartID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status, err := lockCartStatus(ctx, tx, cartID)
	if err != nil {
		return err
	}
	if status != models.CartStatusCheckedOut {
		return fmt.Errorf("%w: status=%s", ErrCartNotCheckedOut, status)
	}

	var items []models.CartItem
	if err := tx.SelectContext(ctx, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1", cartID); err != nil {
		return err
	}

	for _, item := range items {
		res, err := tx.ExecContext(ctx,
			"UPDATE products SET stock = stock - $1 WHERE id = $2 AND stock >= $1",
			item.Quantity, item.ProductID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: product=%d requested=%d",
				ErrInsufficientStock, item.ProductID, item.Quantity)
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE carts SET status = $1, updated_at = NOW() WHERE id = $2",
		models.CartStatusPaid, cartID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func lockCartStatus(ctx context.Context, tx *sqlx.Tx, cartID string) (string, error) {
	var status string
	err := tx.GetContext(ctx, &status,
		"SELECT status FROM carts WHERE id = $1 FOR UPDATE", cartID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrCartNotFound, cartID)
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func touchCart(ctx context.Context, tx *sqlx.Tx, cartID string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE carts SET updated_at = NOW() WHERE id = $1", cartID)
	return err
}
