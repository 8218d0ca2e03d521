package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE", "")
	t.Setenv("BROADCAST_BATCH_SIZE", "")

	cfg := Load()

	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 500, cfg.Scheduler.BatchSize)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.StuckJobTimeout)
	assert.Equal(t, 500, cfg.Webhook.BatchSize)
	assert.Equal(t, 1000, cfg.Creation.ContactChunkSize)
	assert.Equal(t, 5, cfg.RateLimit.BroadcastLimit)
	assert.Equal(t, time.Minute, cfg.RateLimit.BroadcastWindow)
	assert.Equal(t, "broadcasts", cfg.KafkaTopic)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE", "MEMORY")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("BROADCAST_STUCK_TIMEOUT", "90s")
	t.Setenv("RATE_LIMIT_BROADCASTS", "not-a-number")

	cfg := Load()

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.StuckJobTimeout)
	assert.Equal(t, 5, cfg.RateLimit.BroadcastLimit)
}

func TestDSN(t *testing.T) {
	cfg := Config{DBUser: "u", DBPassword: "p", DBHost: "h", DBPort: "1", DBName: "n", DBSSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:1/n?sslmode=disable", cfg.DSN())
}
