package redisx

import "time"

const (
	// Cached order: order:{order_id} -> order JSON with lines
	KeyOrder = "order:%s"

	// Dedup event processing: dedup:{service}:{id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLOrderCache = 5 * time.Minute
	TTLDedup      = 48 * time.Hour
)
