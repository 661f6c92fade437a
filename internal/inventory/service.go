// Package inventory watches reservations and raises low-stock alerts.
package inventory

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-order-inventory/internal/kafka"
	"github.com/ariefcatur/go-order-inventory/internal/orders"
)

// Deduper marks ids as processed; FirstSeen is false for repeats.
type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
}

type Service struct {
	Publisher   orders.Publisher
	Dedup       Deduper
	Threshold   int
	ServiceName string
	Log         *zap.Logger
}

// HandleOrderCreated is installed as the consumer handler for order.created.
func (s *Service) HandleOrderCreated(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		return kafkax.Poison(err)
	}
	if env.EventType != orders.EventOrderCreated {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
	if err != nil {
		return kafkax.Poison(err)
	}
	return s.CheckReservation(ctx, env.TraceID, p)
}

// CheckReservation publishes one StockLow per product whose remaining stock
// is at or below the threshold, at most once per (order, product).
func (s *Service) CheckReservation(ctx context.Context, traceID string, p orders.OrderCreatedPayload) error {
	for _, l := range p.Lines {
		if l.StockRemaining > s.Threshold {
			continue
		}
		if s.Dedup != nil {
			first, err := s.Dedup.FirstSeen(ctx, fmt.Sprintf("%s:%s", p.OrderID, l.ProductID))
			if err != nil {
				return fmt.Errorf("dedup %s/%s: %w", p.OrderID, l.ProductID, err)
			}
			if !first {
				continue
			}
		}
		env, err := orders.NewEnvelope(orders.EventStockLow, s.ServiceName, traceID, p.OrderID, orders.StockLowPayload{
			OrderID:     p.OrderID,
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Remaining:   l.StockRemaining,
			Threshold:   s.Threshold,
		})
		if err != nil {
			return err
		}
		if err := s.Publisher.Publish(ctx, orders.TopicStockLow, env); err != nil {
			return fmt.Errorf("publish stock low for %s: %w", l.ProductID, err)
		}
		s.logger().Info("stock low",
			zap.String("product_id", l.ProductID),
			zap.Int("remaining", l.StockRemaining),
			zap.Int("threshold", s.Threshold),
			zap.String("order_id", p.OrderID),
		)
	}
	return nil
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
