package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TAPELENS_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. An empty path skips the
// file and loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TAPELENS_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Upstream.RestHost, "TAPELENS_UPSTREAM_REST_HOST")
	setStr(&cfg.Upstream.WsHost, "TAPELENS_UPSTREAM_WS_HOST")

	setDuration(&cfg.Cache.OrderBookTTL, "TAPELENS_CACHE_ORDER_BOOK_TTL")
	setDuration(&cfg.Cache.TradesTTL, "TAPELENS_CACHE_TRADES_TTL")
	setDuration(&cfg.Cache.MarkPriceTTL, "TAPELENS_CACHE_MARK_PRICE_TTL")

	setInt(&cfg.Governor.Budget, "TAPELENS_GOVERNOR_BUDGET")
	setDuration(&cfg.Governor.Window, "TAPELENS_GOVERNOR_WINDOW")
	setInt(&cfg.Governor.MaxRetries, "TAPELENS_GOVERNOR_MAX_RETRIES")
	setDuration(&cfg.Governor.BaseDelay, "TAPELENS_GOVERNOR_BASE_DELAY")
	setDuration(&cfg.Governor.MaxDelay, "TAPELENS_GOVERNOR_MAX_DELAY")
	setFloat64(&cfg.Governor.JitterFactor, "TAPELENS_GOVERNOR_JITTER_FACTOR")
	setFloat64(&cfg.Governor.BurstThreshold, "TAPELENS_GOVERNOR_BURST_THRESHOLD")

	setDuration(&cfg.Feed.Retention, "TAPELENS_FEED_RETENTION")
	setInt(&cfg.Feed.MaxTrades, "TAPELENS_FEED_MAX_TRADES")

	setInt(&cfg.Walls.Samples, "TAPELENS_WALLS_SAMPLES")
	setDuration(&cfg.Walls.Interval, "TAPELENS_WALLS_INTERVAL")
	setInt(&cfg.Walls.TopN, "TAPELENS_WALLS_TOP_N")
	setFloat64(&cfg.Walls.SizeRatio, "TAPELENS_WALLS_SIZE_RATIO")
	setFloat64(&cfg.Walls.MinNotional, "TAPELENS_WALLS_MIN_NOTIONAL")
	setFloat64(&cfg.Walls.ToleranceBp, "TAPELENS_WALLS_TOLERANCE_BP")
	setDuration(&cfg.Walls.ResultTTL, "TAPELENS_WALLS_RESULT_TTL")

	setBool(&cfg.Redis.Enabled, "TAPELENS_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TAPELENS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TAPELENS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TAPELENS_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TAPELENS_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TAPELENS_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TAPELENS_REDIS_TLS_ENABLED")

	setBool(&cfg.Postgres.Enabled, "TAPELENS_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TAPELENS_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TAPELENS_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TAPELENS_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TAPELENS_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TAPELENS_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TAPELENS_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TAPELENS_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TAPELENS_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TAPELENS_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TAPELENS_POSTGRES_RUN_MIGRATIONS")
	setInt(&cfg.Postgres.ArchiveRetentionDays, "TAPELENS_POSTGRES_ARCHIVE_RETENTION_DAYS")

	setBool(&cfg.S3.Enabled, "TAPELENS_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TAPELENS_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TAPELENS_S3_REGION")
	setStr(&cfg.S3.Bucket, "TAPELENS_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TAPELENS_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TAPELENS_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TAPELENS_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TAPELENS_S3_FORCE_PATH_STYLE")

	setStr(&cfg.LogLevel, "TAPELENS_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
