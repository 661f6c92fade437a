package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
	RecentOrders     = 5

	// sharedReadTimeout bounds a store read shared by several GetOrder callers.
	sharedReadTimeout = 5 * time.Second

	tracerName = "github.com/ariefcatur/go-order-inventory/internal/orders"
)

// Service is the order workflow: creation, status transitions, cancellation
// and the ownership-scoped queries. It is safe for concurrent use.
type Service struct {
	store           Store
	cache           Cache
	events          Publisher
	log             *zap.Logger
	tracer          trace.Tracer
	producer        string
	restockOnCancel bool
	now             func() time.Time
	newID           func() string
	reads           singleflight.Group
}

type Option func(*Service)

func WithCache(c Cache) Option         { return func(s *Service) { s.cache = c } }
func WithPublisher(p Publisher) Option { return func(s *Service) { s.events = p } }
func WithLogger(l *zap.Logger) Option  { return func(s *Service) { s.log = l } }
func WithProducerName(n string) Option { return func(s *Service) { s.producer = n } }
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(tracerName) }
}
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRestockOnCancel controls whether cancelling an order returns its line
// quantities to stock. Enabled by default.
func WithRestockOnCancel(on bool) Option { return func(s *Service) { s.restockOnCancel = on } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:           store,
		log:             zap.NewNop(),
		tracer:          otel.Tracer(tracerName),
		producer:        "order-api",
		restockOnCancel: true,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type requestIDKey struct{}

// WithRequestID attaches the caller's request id; it becomes the trace_id of published events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func validateCreate(in CreateOrderInput) error {
	if in.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if len(in.Lines) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	for i, l := range in.Lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return fmt.Errorf("%w: invalid product or quantity at line %d", ErrValidation, i+1)
		}
	}
	return nil
}

// CreateOrder reserves stock for every line and persists the order in one
// scope. Either all lines are reserved and the order exists, or nothing changed.
// replayed is true when ExternalID matched an earlier order of the same user.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (order Order, replayed bool, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.CreateOrder", trace.WithAttributes(
		attribute.String("user.id", in.UserID),
		attribute.Int("order.lines", len(in.Lines)),
	))
	defer func() { endSpan(span, err) }()

	if err = validateCreate(in); err != nil {
		return Order{}, false, err
	}

	var reserved []ReservedLine
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		reserved = reserved[:0]
		if in.ExternalID != "" {
			existing, err := tx.OrderByExternalID(ctx, in.UserID, in.ExternalID)
			if err == nil {
				order, replayed = existing, true
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		now := s.now()
		o := Order{
			ID:              s.newID(),
			ExternalID:      in.ExternalID,
			UserID:          in.UserID,
			Status:          StatusPending,
			Total:           decimal.Zero,
			ShippingAddress: in.ShippingAddress,
			PaymentMethod:   in.PaymentMethod,
			CreatedAt:       now,
			UpdatedAt:       now,
			Lines:           make([]OrderLine, 0, len(in.Lines)),
		}
		for i, l := range in.Lines {
			p, err := tx.Product(ctx, l.ProductID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("%w: product %s not found", ErrNotFound, l.ProductID)
				}
				return err
			}
			subtotal := p.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))

			remaining, err := tx.ReserveStock(ctx, l.ProductID, l.Quantity)
			if err != nil {
				var se *StockError
				if errors.As(err, &se) {
					se.ProductName = p.Name
					return se
				}
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("%w: product %s not found", ErrNotFound, l.ProductID)
				}
				return err
			}

			o.Total = o.Total.Add(subtotal)
			o.Lines = append(o.Lines, OrderLine{
				OrderID:     o.ID,
				LineNo:      i + 1,
				ProductID:   p.ID,
				ProductName: p.Name,
				UnitPrice:   p.Price,
				Quantity:    l.Quantity,
				Subtotal:    subtotal,
			})
			reserved = append(reserved, ReservedLine{
				ProductID:      p.ID,
				ProductName:    p.Name,
				Qty:            l.Quantity,
				UnitPrice:      p.Price,
				StockRemaining: remaining,
			})
		}

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})

	if errors.Is(err, ErrDuplicateOrder) && in.ExternalID != "" {
		// lost an insert race for the same idempotency key; the winner's order is the answer
		existing, rerr := s.replay(ctx, in.UserID, in.ExternalID)
		if rerr != nil {
			return Order{}, false, classify("create order", rerr)
		}
		return existing, true, nil
	}
	if err != nil {
		err = classify("create order", err)
		s.logFailure("create order failed", err, zap.String("user_id", in.UserID))
		return Order{}, false, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Bool("order.replayed", replayed))
	if replayed {
		s.log.Info("order replayed", zap.String("order_id", order.ID), zap.String("external_id", in.ExternalID))
		return order, true, nil
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("lines", len(order.Lines)),
	)
	s.publish(ctx, TopicOrderCreated, EventOrderCreated, order.ID, OrderCreatedPayload{
		OrderID:    order.ID,
		ExternalID: order.ExternalID,
		UserID:     order.UserID,
		Lines:      reserved,
		Total:      order.Total,
	})
	return order, false, nil
}

func (s *Service) replay(ctx context.Context, userID, externalID string) (Order, error) {
	var o Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, err = tx.OrderByExternalID(ctx, userID, externalID)
		return err
	})
	return o, err
}

// UpdateOrderStatus moves an order owned by userID to status. The current
// status is re-read under lock in the same scope as the write.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID, userID, status string) (order Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.UpdateOrderStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status.to", status),
	))
	defer func() { endSpan(span, err) }()

	to, err := ParseStatus(status)
	if err != nil {
		return Order{}, err
	}

	var (
		from      Status
		restocked []RestockedLine
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID, userID)
		if err != nil {
			return notFoundOrder(orderID, err)
		}
		from = o.Status
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: only pending orders can be cancelled", ErrConflict)
		}
		if to == StatusCancelled {
			if restocked, err = s.restock(ctx, tx, o); err != nil {
				return err
			}
		}
		now := s.now()
		if err := tx.SetStatus(ctx, o.ID, to, now); err != nil {
			return err
		}
		o.Status, o.UpdatedAt = to, now
		order = o
		return nil
	})
	if err != nil {
		err = classify("update order status", err)
		s.logFailure("update order status failed", err, zap.String("order_id", orderID))
		return Order{}, err
	}

	s.afterStatusChange(ctx, order, from, restocked)
	return order, nil
}

// CancelOrder cancels a pending order owned by userID.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "orders.CancelOrder", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer func() { endSpan(span, err) }()

	var (
		order     Order
		restocked []RestockedLine
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID, userID)
		if err != nil {
			return notFoundOrder(orderID, err)
		}
		if o.Status != StatusPending {
			return fmt.Errorf("%w: only pending orders can be cancelled", ErrConflict)
		}
		if restocked, err = s.restock(ctx, tx, o); err != nil {
			return err
		}
		now := s.now()
		if err := tx.SetStatus(ctx, o.ID, StatusCancelled, now); err != nil {
			return err
		}
		o.Status, o.UpdatedAt = StatusCancelled, now
		order = o
		return nil
	})
	if err != nil {
		err = classify("cancel order", err)
		s.logFailure("cancel order failed", err, zap.String("order_id", orderID))
		return err
	}

	s.afterStatusChange(ctx, order, StatusPending, restocked)
	return nil
}

func (s *Service) restock(ctx context.Context, tx Tx, o Order) ([]RestockedLine, error) {
	if !s.restockOnCancel {
		return nil, nil
	}
	out := make([]RestockedLine, 0, len(o.Lines))
	for _, l := range o.Lines {
		if err := tx.RestoreStock(ctx, l.ProductID, l.Quantity); err != nil {
			return nil, fmt.Errorf("restore stock for product %s: %w", l.ProductID, err)
		}
		out = append(out, RestockedLine{ProductID: l.ProductID, Qty: l.Quantity})
	}
	return out, nil
}

func (s *Service) afterStatusChange(ctx context.Context, o Order, from Status, restocked []RestockedLine) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, o.ID)
	}
	s.log.Info("order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)),
		zap.Int("restocked_lines", len(restocked)),
	)
	s.publish(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, o.ID, OrderStatusChangedPayload{
		OrderID: o.ID, UserID: o.UserID, From: from, To: o.Status,
	})
	if o.Status == StatusCancelled {
		s.publish(ctx, TopicOrderCancelled, EventOrderCancelled, o.ID, OrderCancelledPayload{
			OrderID: o.ID, UserID: o.UserID, Restocked: restocked,
		})
	}
}

// GetOrder returns an order of userID with its lines.
func (s *Service) GetOrder(ctx context.Context, orderID, userID string) (order Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.GetOrder", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer func() { endSpan(span, err) }()

	if orderID == "" || userID == "" {
		return Order{}, fmt.Errorf("%w: order id and user id are required", ErrValidation)
	}
	if s.cache != nil {
		if o, ok := s.cache.GetOrder(ctx, orderID); ok && o.UserID == userID {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return o, nil
		}
	}

	// Concurrent misses for the same order share one store read. The read is
	// detached from any single caller; each caller still waits on its own ctx.
	ch := s.reads.DoChan(userID+"/"+orderID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()
		o, err := s.store.Order(rctx, orderID, userID)
		if err != nil {
			return Order{}, err
		}
		if s.cache != nil {
			s.cache.SetOrder(rctx, o)
		}
		return o, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Order{}, classify("get order", notFoundOrder(orderID, res.Err))
		}
		return res.Val.(Order).Clone(), nil
	case <-ctx.Done():
		return Order{}, classify("get order", ctx.Err())
	}
}

type ListFilter struct {
	UserID string // only honored by GetAllOrders
	Status string
	Page   int
	Limit  int
}

func (f ListFilter) query(userID string) (ListQuery, int, int, error) {
	var st Status
	if f.Status != "" {
		var err error
		if st, err = ParseStatus(f.Status); err != nil {
			return ListQuery{}, 0, 0, err
		}
	}
	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if page-1 > math.MaxInt/limit {
		return ListQuery{}, 0, 0, fmt.Errorf("%w: page %d out of range", ErrValidation, page)
	}
	return ListQuery{UserID: userID, Status: st, Limit: limit, Offset: (page - 1) * limit}, page, limit, nil
}

// GetUserOrders lists the orders of userID, newest first.
func (s *Service) GetUserOrders(ctx context.Context, userID string, f ListFilter) (page OrderPage, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.GetUserOrders", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return OrderPage{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	return s.list(ctx, userID, f)
}

// GetAllOrders is for elevated callers; f.UserID optionally narrows to one user.
func (s *Service) GetAllOrders(ctx context.Context, f ListFilter) (page OrderPage, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.GetAllOrders", trace.WithAttributes(
		attribute.String("filter.user.id", f.UserID),
	))
	defer func() { endSpan(span, err) }()

	return s.list(ctx, f.UserID, f)
}

func (s *Service) list(ctx context.Context, userID string, f ListFilter) (OrderPage, error) {
	q, page, limit, err := f.query(userID)
	if err != nil {
		return OrderPage{}, err
	}
	list, total, err := s.store.ListOrders(ctx, q)
	if err != nil {
		return OrderPage{}, classify("list orders", err)
	}
	if list == nil {
		list = []Order{}
	}
	return OrderPage{
		Orders: list,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		},
	}, nil
}

// GetOrderStats aggregates the orders of userID. Cancelled orders do not count towards TotalSpent.
func (s *Service) GetOrderStats(ctx context.Context, userID string) (stats Stats, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.GetOrderStats", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return Stats{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	st, err := s.store.OrderStats(ctx, userID, RecentOrders)
	if err != nil {
		return Stats{}, classify("order stats", err)
	}
	if st.OrdersByStatus == nil {
		st.OrdersByStatus = []StatusCount{}
	}
	if st.RecentOrders == nil {
		st.RecentOrders = []Order{}
	}
	return st, nil
}

func (s *Service) publish(ctx context.Context, topic, eventType, orderID string, payload any) {
	if s.events == nil {
		return
	}
	env, err := NewEnvelope(eventType, s.producer, requestID(ctx), orderID, payload)
	if err == nil {
		err = s.events.Publish(ctx, topic, env)
	}
	if err != nil {
		s.log.Warn("publish event failed",
			zap.String("event_type", eventType),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

func (s *Service) logFailure(msg string, err error, fields ...zap.Field) {
	if errors.Is(err, ErrInternal) {
		s.log.Error(msg, append(fields, zap.Error(err))...)
		return
	}
	s.log.Debug(msg, append(fields, zap.Error(err))...)
}

func notFoundOrder(orderID string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: order %s not found", ErrNotFound, orderID)
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
