package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "STORE", "KAFKA_BROKERS", "RESTOCK_ON_CANCEL", "LOW_STOCK_THRESHOLD", "POSTGRES_MAX_CONNS"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RestockOnCancel)
	assert.Equal(t, 5, cfg.LowStockThreshold)
	assert.Equal(t, int32(8), cfg.PostgresMaxConns)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE", StoreMemory)
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("RESTOCK_ON_CANCEL", "false")
	t.Setenv("LOW_STOCK_THRESHOLD", "0")
	t.Setenv("INVENTORY_WORKERS", "not-a-number")

	cfg := Load()

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.RestockOnCancel)
	assert.Equal(t, 0, cfg.LowStockThreshold)
	assert.Equal(t, 8, cfg.InventoryWorkers)
}

func TestLoad_MaxConnsOutOfRange(t *testing.T) {
	t.Setenv("POSTGRES_MAX_CONNS", "4294967297")
	assert.Equal(t, int32(8), Load().PostgresMaxConns)

	t.Setenv("POSTGRES_MAX_CONNS", "32")
	assert.Equal(t, int32(32), Load().PostgresMaxConns)
}
