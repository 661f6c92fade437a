package orders

import (
	"context"
	"time"
)

// Inventory is the stock side of a transactional scope. Stock changes only
// through ReserveStock and RestoreStock.
type Inventory interface {
	Product(ctx context.Context, productID string) (Product, error)
	// ReserveStock decrements stock only if stock >= qty, as one indivisible
	// step. It returns the remaining stock, a *StockError, or ErrNotFound.
	ReserveStock(ctx context.Context, productID string, qty int) (remaining int, err error)
	RestoreStock(ctx context.Context, productID string, qty int) error
}

// Ledger is the order side of a transactional scope.
type Ledger interface {
	InsertOrder(ctx context.Context, o Order) error
	OrderByExternalID(ctx context.Context, userID, externalID string) (Order, error)
	// LockOrder loads an order of userID with its lines and holds it until the scope ends.
	LockOrder(ctx context.Context, orderID, userID string) (Order, error)
	SetStatus(ctx context.Context, orderID string, status Status, at time.Time) error
}

type Tx interface {
	Inventory
	Ledger
}

// TxRunner runs fn in one scope: committed if fn returns nil, rolled back otherwise.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Reader serves the read-only queries outside any scope.
type Reader interface {
	// Order returns ErrNotFound when the order is missing or, with a non-empty
	// userID, owned by somebody else.
	Order(ctx context.Context, orderID, userID string) (Order, error)
	ListOrders(ctx context.Context, q ListQuery) (orders []Order, total int, err error)
	OrderStats(ctx context.Context, userID string, recent int) (Stats, error)
}

type Store interface {
	TxRunner
	Reader
}

// Cache is an optional read-through cache for single orders.
type Cache interface {
	GetOrder(ctx context.Context, orderID string) (Order, bool)
	SetOrder(ctx context.Context, o Order)
	Invalidate(ctx context.Context, orderID string)
}

// Publisher ships events after commit.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}
