package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

type Order struct {
	ID              string          `json:"id"`
	ExternalID      string          `json:"external_id,omitempty"`
	UserID          string          `json:"user_id"`
	Status          Status          `json:"status"`
	Total           decimal.Decimal `json:"total"`
	ShippingAddress string          `json:"shipping_address,omitempty"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Lines           []OrderLine     `json:"lines,omitempty"`
}

// OrderLine snapshots product name and price at order time.
type OrderLine struct {
	OrderID     string          `json:"order_id"`
	LineNo      int             `json:"line_no"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type LineInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderInput struct {
	UserID          string
	ExternalID      string // optional client idempotency key
	Lines           []LineInput
	ShippingAddress string
	PaymentMethod   string
}

// ListQuery is what stores understand; an empty UserID means all users.
type ListQuery struct {
	UserID string
	Status Status
	Limit  int
	Offset int
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type OrderPage struct {
	Orders     []Order    `json:"orders"`
	Pagination Pagination `json:"pagination"`
}

type StatusCount struct {
	Status Status `json:"status"`
	Count  int    `json:"count"`
}

type Stats struct {
	TotalOrders    int             `json:"total_orders"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
	OrdersByStatus []StatusCount   `json:"orders_by_status"`
	RecentOrders   []Order         `json:"recent_orders"`
}

// Clone returns a deep copy so callers never share line slices with a store.
func (o Order) Clone() Order {
	if o.Lines != nil {
		lines := make([]OrderLine, len(o.Lines))
		copy(lines, o.Lines)
		o.Lines = lines
	}
	return o
}
