package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVICE_NAME", "settlement-worker")

	cfg := Load()

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, "tx_events", cfg.StreamTxEvents)
	assert.Equal(t, 10, cfg.SettlementBatchSize)
	assert.Equal(t, int64(10), cfg.SettlementTriggerDepth)
	assert.Equal(t, 10*time.Second, cfg.SettlementInterval)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 5*time.Minute, cfg.BreakerCooldown)
	assert.Equal(t, 6*time.Hour, cfg.StakeTTL)
	assert.Equal(t, 30*time.Second, cfg.EventClaimTTL)
	assert.InDelta(t, 0.15, cfg.GemReferralRate, 1e-9)
	assert.Equal(t, "9110", cfg.MetricsPort)

	require.Len(t, cfg.Jobs, len(JobNames))
	assert.Equal(t, JobConfig{Interval: 30 * time.Second, TTL: 90 * time.Second}, cfg.Jobs[JobPriceOracle])
	assert.Equal(t, JobConfig{Interval: 5 * time.Minute, TTL: 15 * time.Minute}, cfg.Jobs[JobReconciliation])
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVICE_NAME", "settlement-api")
	t.Setenv("SETTLEMENT_BATCH_SIZE", "4")
	t.Setenv("BREAKER_COOLDOWN", "30s")
	t.Setenv("JOB_GEM_FAIRNESS_INTERVAL", "1m")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	assert.Equal(t, 4, cfg.SettlementBatchSize)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, time.Minute, cfg.Jobs[JobGemFairness].Interval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "8090", cfg.HTTPPort)
	assert.Equal(t, "9111", cfg.MetricsPort)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("RTP_MIN: 0.9\nREDIS_ADDR: redis:6380\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_ADDR", "")

	cfg := Load()

	assert.InDelta(t, 0.9, cfg.RTPMin, 1e-9)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
}
