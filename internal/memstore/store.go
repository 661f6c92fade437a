// Package memstore is an in-process implementation of orders.Store. Scopes
// are serialized by one writer lock and undone from a log on rollback.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-inventory/internal/orders"
)

type Store struct {
	mu         sync.RWMutex
	products   map[string]*orders.Product
	orders     map[string]*orders.Order
	byExternal map[string]string // userID + "\x00" + externalID -> order id
	commitErr  error
}

func New() *Store {
	return &Store{
		products:   make(map[string]*orders.Product),
		orders:     make(map[string]*orders.Order),
		byExternal: make(map[string]string),
	}
}

// PutProduct inserts or replaces a catalog row. Negative stock is rejected.
func (s *Store) PutProduct(p orders.Product) error {
	if p.Stock < 0 {
		return fmt.Errorf("product %s: negative stock %d", p.ID, p.Stock)
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("product %s: negative price %s", p.ID, p.Price)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.products[p.ID] = &cp
	return nil
}

func (s *Store) Stock(productID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return 0, false
	}
	return p.Stock, true
}

func (s *Store) OrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// SetCommitError makes every following scope fail at commit with err (nil clears it).
func (s *Store) SetCommitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	err := fn(ctx, t)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && s.commitErr != nil {
		err = fmt.Errorf("commit: %w", s.commitErr)
	}
	if err != nil {
		t.rollback()
		return err
	}
	return nil
}

type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) Product(_ context.Context, productID string) (orders.Product, error) {
	p, ok := t.s.products[productID]
	if !ok {
		return orders.Product{}, fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	return *p, nil
}

func (t *tx) ReserveStock(_ context.Context, productID string, qty int) (int, error) {
	p, ok := t.s.products[productID]
	if !ok {
		return 0, fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	if p.Stock < qty {
		return 0, &orders.StockError{ProductID: productID, Requested: qty, Available: p.Stock}
	}
	p.Stock -= qty
	t.undo = append(t.undo, func() { p.Stock += qty })
	return p.Stock, nil
}

func (t *tx) RestoreStock(_ context.Context, productID string, qty int) error {
	p, ok := t.s.products[productID]
	if !ok {
		return fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	p.Stock += qty
	t.undo = append(t.undo, func() { p.Stock -= qty })
	return nil
}

func externalKey(userID, externalID string) string { return userID + "\x00" + externalID }

func (t *tx) InsertOrder(_ context.Context, o orders.Order) error {
	if _, ok := t.s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, orders.ErrDuplicateOrder)
	}
	if o.ExternalID != "" {
		k := externalKey(o.UserID, o.ExternalID)
		if _, ok := t.s.byExternal[k]; ok {
			return fmt.Errorf("external id %s: %w", o.ExternalID, orders.ErrDuplicateOrder)
		}
		t.s.byExternal[k] = o.ID
		t.undo = append(t.undo, func() { delete(t.s.byExternal, k) })
	}
	cp := o.Clone()
	t.s.orders[o.ID] = &cp
	t.undo = append(t.undo, func() { delete(t.s.orders, o.ID) })
	return nil
}

func (t *tx) OrderByExternalID(_ context.Context, userID, externalID string) (orders.Order, error) {
	id, ok := t.s.byExternal[externalKey(userID, externalID)]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return t.s.orders[id].Clone(), nil
}

func (t *tx) LockOrder(_ context.Context, orderID, userID string) (orders.Order, error) {
	o, ok := t.s.orders[orderID]
	if !ok || o.UserID != userID {
		return orders.Order{}, orders.ErrNotFound
	}
	return o.Clone(), nil
}

func (t *tx) SetStatus(_ context.Context, orderID string, status orders.Status, at time.Time) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	prevStatus, prevAt := o.Status, o.UpdatedAt
	o.Status, o.UpdatedAt = status, at
	t.undo = append(t.undo, func() { o.Status, o.UpdatedAt = prevStatus, prevAt })
	return nil
}

func (s *Store) Order(ctx context.Context, orderID, userID string) (orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return orders.Order{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok || (userID != "" && o.UserID != userID) {
		return orders.Order{}, orders.ErrNotFound
	}
	return o.Clone(), nil
}

// newestFirst returns matching headers (without lines) ordered by CreatedAt desc, then id.
func (s *Store) newestFirst(userID string, status orders.Status) []orders.Order {
	var out []orders.Order
	for _, o := range s.orders {
		if userID != "" && o.UserID != userID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		h := *o
		h.Lines = nil
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Store) ListOrders(ctx context.Context, q orders.ListQuery) ([]orders.Order, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if q.Offset < 0 || q.Limit < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset or limit", orders.ErrValidation)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.newestFirst(q.UserID, q.Status)
	total := len(all)
	if q.Offset >= total {
		return []orders.Order{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	return all[q.Offset:end], total, nil
}

func (s *Store) OrderStats(ctx context.Context, userID string, recent int) (orders.Stats, error) {
	if err := ctx.Err(); err != nil {
		return orders.Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.newestFirst(userID, "")

	st := orders.Stats{TotalSpent: decimal.Zero}
	counts := map[orders.Status]int{}
	for _, o := range all {
		st.TotalOrders++
		counts[o.Status]++
		if o.Status != orders.StatusCancelled {
			st.TotalSpent = st.TotalSpent.Add(o.Total)
		}
	}
	for _, status := range orders.Statuses {
		if n := counts[status]; n > 0 {
			st.OrdersByStatus = append(st.OrdersByStatus, orders.StatusCount{Status: status, Count: n})
		}
	}
	if len(all) > recent {
		all = all[:recent]
	}
	st.RecentOrders = all
	return st, nil
}
