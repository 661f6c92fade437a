package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-inventory/internal/orders"
)

// OrderCache implements orders.Cache. Redis is never the source of truth:
// every failure degrades to a cache miss.
type OrderCache struct {
	Redis *redis.Client
	TTL   time.Duration
	Log   *zap.Logger
}

func NewOrderCache(rdb *redis.Client, log *zap.Logger) *OrderCache {
	return &OrderCache{Redis: rdb, TTL: TTLOrderCache, Log: log}
}

func (c *OrderCache) GetOrder(ctx context.Context, orderID string) (orders.Order, bool) {
	b, err := c.Redis.Get(ctx, fmt.Sprintf(KeyOrder, orderID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.warn("order cache get", orderID, err)
		}
		return orders.Order{}, false
	}
	var o orders.Order
	if err := json.Unmarshal(b, &o); err != nil {
		c.warn("order cache decode", orderID, err)
		return orders.Order{}, false
	}
	return o, true
}

func (c *OrderCache) SetOrder(ctx context.Context, o orders.Order) {
	b, err := json.Marshal(o)
	if err != nil {
		c.warn("order cache encode", o.ID, err)
		return
	}
	if err := c.Redis.Set(ctx, fmt.Sprintf(KeyOrder, o.ID), b, c.TTL).Err(); err != nil {
		c.warn("order cache set", o.ID, err)
	}
}

func (c *OrderCache) Invalidate(ctx context.Context, orderID string) {
	if err := c.Redis.Del(ctx, fmt.Sprintf(KeyOrder, orderID)).Err(); err != nil {
		c.warn("order cache invalidate", orderID, err)
	}
}

func (c *OrderCache) warn(msg, orderID string, err error) {
	if c.Log != nil {
		c.Log.Warn(msg, zap.String("order_id", orderID), zap.Error(err))
	}
}

// Dedup remembers processed ids with SETNX.
type Dedup struct {
	Redis   *redis.Client
	Service string
}

// FirstSeen reports whether id was not processed before, and marks it processed.
func (d *Dedup) FirstSeen(ctx context.Context, id string) (bool, error) {
	return d.Redis.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, id), "1", TTLDedup).Result()
}
