package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ariefcatur/go-order-inventory/internal/orders"
)

const uniqueViolation = "23505"

type txStore struct{ tx pgx.Tx }

func (t *txStore) Product(ctx context.Context, productID string) (orders.Product, error) {
	var p orders.Product
	err := t.tx.QueryRow(ctx, `SELECT id, name, price, stock FROM products WHERE id = $1`, productID).
		Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	return p, err
}

// ReserveStock is a single conditional UPDATE: the row lock taken by the
// update makes check-and-decrement indivisible across concurrent scopes.
func (t *txStore) ReserveStock(ctx context.Context, productID string, qty int) (int, error) {
	var remaining int
	err := t.tx.QueryRow(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING stock`, productID, qty).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	// nothing updated: either missing or short on stock
	var available int
	err = t.tx.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return 0, &orders.StockError{ProductID: productID, Requested: qty, Available: available}
}

func (t *txStore) RestoreStock(ctx context.Context, productID string, qty int) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	return nil
}

func (t *txStore) InsertOrder(ctx context.Context, o orders.Order) error {
	b := &pgx.Batch{}
	b.Queue(`
		INSERT INTO orders(id, external_id, user_id, status, total, shipping_address, payment_method, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.ExternalID, o.UserID, string(o.Status), o.Total, o.ShippingAddress, o.PaymentMethod, o.CreatedAt, o.UpdatedAt)
	for _, l := range o.Lines {
		b.Queue(`
			INSERT INTO order_items(order_id, line_no, product_id, product_name, unit_price, qty, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, l.LineNo, l.ProductID, l.ProductName, l.UnitPrice, l.Quantity, l.Subtotal)
	}
	err := t.tx.SendBatch(ctx, b).Close()
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("order %s: %w", o.ID, orders.ErrDuplicateOrder)
	}
	return err
}

func (t *txStore) OrderByExternalID(ctx context.Context, userID, externalID string) (orders.Order, error) {
	return loadOrder(ctx, t.tx, `user_id = $1 AND external_id = $2`, userID, externalID)
}

func (t *txStore) LockOrder(ctx context.Context, orderID, userID string) (orders.Order, error) {
	return loadOrder(ctx, t.tx, `id = $1 AND user_id = $2 FOR UPDATE`, orderID, userID)
}

func (t *txStore) SetStatus(ctx context.Context, orderID string, status orders.Status, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, orderID, string(status), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrNotFound
	}
	return nil
}
