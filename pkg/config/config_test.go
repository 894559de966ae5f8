package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv("test-version")
	require.NoError(t, err)

	assert.Equal(t, "test-version", cfg.Version)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, 5000, cfg.Enrichment.SyncRowLimit)
	assert.Equal(t, 100000, cfg.Enrichment.BulkRowLimit)
	assert.Equal(t, 30*time.Second, cfg.Enrichment.CallTimeout())
	assert.Equal(t, 10*time.Minute, cfg.Enrichment.StaleJobThreshold())
	assert.Equal(t, 1000, cfg.Enrichment.WriterChunkSize)
	assert.Equal(t, 5, cfg.Enrichment.WriterMaxParallel)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ENRICHMENT_SYNC_ROW_LIMIT", "250")
	t.Setenv("ENRICHMENT_CALL_TIMEOUT_SECONDS", "5")
	t.Setenv("REDIS_HOST", "cache.internal")

	cfg, err := LoadFromEnv("dev")
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 250, cfg.Enrichment.SyncRowLimit)
	assert.Equal(t, 5*time.Second, cfg.Enrichment.CallTimeout())
	assert.Equal(t, "cache.internal", cfg.Redis.Host)
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "svc",
		Password: "secret",
		Database: "engine",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=svc password=secret dbname=engine sslmode=require",
		cfg.ConnectionString(),
	)
}
