package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
log_level = "debug"

[governor]
budget = 600
window = "30s"

[feed]
retention = "45m"

[[symbols]]
symbol = "BTCUSDT"
tick_size = 0.1
step_size = 0.001
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 600, cfg.Governor.Budget)
	assert.Equal(t, 30*time.Second, cfg.Governor.Window.Duration)
	assert.Equal(t, 45*time.Minute, cfg.Feed.Retention.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, 500*time.Millisecond, cfg.Cache.OrderBookTTL.Duration)
	assert.Equal(t, "https://fapi.binance.com", cfg.Upstream.RestHost)
	// The symbols array replaces the default list wholesale.
	require.Len(t, cfg.Symbols, 1)
	assert.Equal(t, "BTCUSDT", cfg.Symbols[0].Symbol)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Governor.Budget, cfg.Governor.Budget)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TAPELENS_GOVERNOR_BUDGET", "2400")
	t.Setenv("TAPELENS_REDIS_ENABLED", "true")
	t.Setenv("TAPELENS_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("TAPELENS_CACHE_MARK_PRICE_TTL", "2s")
	t.Setenv("TAPELENS_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2400, cfg.Governor.Budget)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Cache.MarkPriceTTL.Duration)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestEnvOverrideIgnoresMalformedValues(t *testing.T) {
	t.Setenv("TAPELENS_GOVERNOR_BUDGET", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Governor.Budget, cfg.Governor.Budget)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Governor.Budget = 0
	cfg.Symbols = nil
	cfg.Walls.SizeRatio = 1.0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "governor: budget")
	assert.Contains(t, err.Error(), "symbols")
	assert.Contains(t, err.Error(), "walls: size_ratio")
}

func TestValidateOptionalBackendsOnlyWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.Addr = ""
	cfg.Postgres.Host = ""
	cfg.S3.Bucket = ""
	// All three are disabled by default, so the missing fields pass.
	assert.NoError(t, cfg.Validate())

	cfg.Redis.Enabled = true
	cfg.Postgres.Enabled = true
	cfg.S3.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "postgres: host")
	assert.Contains(t, err.Error(), "s3: bucket")
}
