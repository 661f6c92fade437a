package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-inventory/internal/orders"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements orders.Store on PostgreSQL.
type Store struct{ DB *pgxpool.Pool }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const orderColumns = `id, COALESCE(external_id, ''), user_id, status, total,
	shipping_address, payment_method, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o      orders.Order
		status string
	)
	err := row.Scan(&o.ID, &o.ExternalID, &o.UserID, &status, &o.Total,
		&o.ShippingAddress, &o.PaymentMethod, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)
	return o, nil
}

func loadLines(ctx context.Context, q querier, orderID string) ([]orders.OrderLine, error) {
	rows, err := q.Query(ctx, `
		SELECT order_id, line_no, product_id, product_name, unit_price, qty, subtotal
		FROM order_items WHERE order_id = $1 ORDER BY line_no`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.OrderLine
	for rows.Next() {
		var l orders.OrderLine
		if err := rows.Scan(&l.OrderID, &l.LineNo, &l.ProductID, &l.ProductName, &l.UnitPrice, &l.Quantity, &l.Subtotal); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// loadOrder reads one header matching where and its lines.
func loadOrder(ctx context.Context, q querier, where string, args ...any) (orders.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, args...))
	if err != nil {
		return orders.Order{}, err
	}
	if o.Lines, err = loadLines(ctx, q, o.ID); err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func (s *Store) Order(ctx context.Context, orderID, userID string) (orders.Order, error) {
	if userID == "" {
		return loadOrder(ctx, s.DB, `id = $1`, orderID)
	}
	return loadOrder(ctx, s.DB, `id = $1 AND user_id = $2`, orderID, userID)
}

func buildFilter(q orders.ListQuery) (string, []any) {
	where := []string{"TRUE"}
	var args []any
	if q.UserID != "" {
		args = append(args, q.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	return strings.Join(where, " AND "), args
}

func (s *Store) ListOrders(ctx context.Context, q orders.ListQuery) ([]orders.Order, int, error) {
	if q.Offset < 0 || q.Limit < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset or limit", orders.ErrValidation)
	}
	where, args := buildFilter(q)

	var total int
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, q.Limit, q.Offset)
	list, err := s.headers(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where+
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (s *Store) headers(ctx context.Context, sql string, args ...any) ([]orders.Order, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []orders.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) OrderStats(ctx context.Context, userID string, recent int) (orders.Stats, error) {
	st := orders.Stats{TotalSpent: decimal.Zero}
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total) FILTER (WHERE status <> 'cancelled'), 0)
		FROM orders WHERE user_id = $1`, userID).Scan(&st.TotalOrders, &st.TotalSpent)
	if err != nil {
		return orders.Stats{}, err
	}

	rows, err := s.DB.Query(ctx, `SELECT status, COUNT(*) FROM orders WHERE user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return orders.Stats{}, err
	}
	counts := map[orders.Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return orders.Stats{}, err
		}
		counts[orders.Status(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return orders.Stats{}, err
	}
	for _, status := range orders.Statuses {
		if n := counts[status]; n > 0 {
			st.OrdersByStatus = append(st.OrdersByStatus, orders.StatusCount{Status: status, Count: n})
		}
	}

	st.RecentOrders, err = s.headers(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, userID, recent)
	if err != nil {
		return orders.Stats{}, err
	}
	return st, nil
}
