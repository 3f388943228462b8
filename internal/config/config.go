// Package config defines the top-level configuration for the analytics
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TAPELENS_* environment
// variables.
type Config struct {
	Upstream UpstreamConfig `toml:"upstream"`
	Symbols  []SymbolConfig `toml:"symbols"`
	Cache    CacheConfig    `toml:"cache"`
	Governor GovernorConfig `toml:"governor"`
	Feed     FeedConfig     `toml:"feed"`
	Walls    WallsConfig    `toml:"walls"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	LogLevel string         `toml:"log_level"`
}

// UpstreamConfig holds exchange REST and websocket endpoints.
type UpstreamConfig struct {
	RestHost string `toml:"rest_host"`
	WsHost   string `toml:"ws_host"`
}

// SymbolConfig declares one allow-listed contract with its precision.
type SymbolConfig struct {
	Symbol   string  `toml:"symbol"`
	TickSize float64 `toml:"tick_size"`
	StepSize float64 `toml:"step_size"`
}

// CacheConfig holds the per-kind freshness windows for the market cache.
type CacheConfig struct {
	OrderBookTTL duration `toml:"order_book_ttl"`
	TradesTTL    duration `toml:"trades_ttl"`
	MarkPriceTTL duration `toml:"mark_price_ttl"`
}

// GovernorConfig holds the upstream request budget and retry policy.
type GovernorConfig struct {
	Budget         int      `toml:"budget"`
	Window         duration `toml:"window"`
	MaxRetries     int      `toml:"max_retries"`
	BaseDelay      duration `toml:"base_delay"`
	MaxDelay       duration `toml:"max_delay"`
	JitterFactor   float64  `toml:"jitter_factor"`
	BurstThreshold float64  `toml:"burst_threshold"`
}

// FeedConfig holds the streaming trade buffer limits.
type FeedConfig struct {
	Retention duration `toml:"retention"`
	MaxTrades int      `toml:"max_trades"`
}

// WallsConfig holds the liquidity wall sampling parameters.
type WallsConfig struct {
	Samples     int      `toml:"samples"`
	Interval    duration `toml:"interval"`
	TopN        int      `toml:"top_n"`
	SizeRatio   float64  `toml:"size_ratio"`
	MinNotional float64  `toml:"min_notional"`
	ToleranceBp float64  `toml:"tolerance_bp"`
	ResultTTL   duration `toml:"result_ttl"`
}

// RedisConfig holds Redis connection parameters. When disabled the rate
// governor falls back to its in-process sliding window.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds PostgreSQL connection parameters. When disabled the
// trade archive and job audit trail are skipped.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`

	// ArchiveRetentionDays bounds how long archived trades are kept before
	// the pruner deletes them. Zero disables pruning.
	ArchiveRetentionDays int `toml:"archive_retention_days"`
}

// S3Config holds S3-compatible cold storage parameters. When disabled
// evicted trade batches stay in PostgreSQL only.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Upstream: UpstreamConfig{
			RestHost: "https://fapi.binance.com",
			WsHost:   "wss://fstream.binance.com/stream",
		},
		Symbols: []SymbolConfig{
			{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001},
			{Symbol: "ETHUSDT", TickSize: 0.01, StepSize: 0.001},
		},
		Cache: CacheConfig{
			OrderBookTTL: duration{500 * time.Millisecond},
			TradesTTL:    duration{500 * time.Millisecond},
			MarkPriceTTL: duration{time.Second},
		},
		Governor: GovernorConfig{
			Budget:         1200,
			Window:         duration{time.Minute},
			MaxRetries:     3,
			BaseDelay:      duration{time.Second},
			MaxDelay:       duration{30 * time.Second},
			JitterFactor:   0.3,
			BurstThreshold: 0.8,
		},
		Feed: FeedConfig{
			Retention: duration{35 * time.Minute},
			MaxTrades: 200_000,
		},
		Walls: WallsConfig{
			Samples:     5,
			Interval:    duration{500 * time.Millisecond},
			TopN:        20,
			SizeRatio:   3.0,
			MinNotional: 50_000,
			ToleranceBp: 2,
			ResultTTL:   duration{time.Minute},
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "tapelens",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,

			ArchiveRetentionDays: 90,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tapelens-archive",
			ForcePathStyle: true,
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Upstream.RestHost == "" {
		errs = append(errs, "upstream: rest_host must not be empty")
	}
	if c.Upstream.WsHost == "" {
		errs = append(errs, "upstream: ws_host must not be empty")
	}

	if len(c.Symbols) == 0 {
		errs = append(errs, "symbols: at least one contract must be configured")
	}
	for i, s := range c.Symbols {
		if strings.TrimSpace(s.Symbol) == "" {
			errs = append(errs, fmt.Sprintf("symbols[%d]: symbol must not be empty", i))
		}
		if s.TickSize <= 0 {
			errs = append(errs, fmt.Sprintf("symbols[%d]: tick_size must be > 0", i))
		}
		if s.StepSize <= 0 {
			errs = append(errs, fmt.Sprintf("symbols[%d]: step_size must be > 0", i))
		}
	}

	if c.Cache.OrderBookTTL.Duration <= 0 {
		errs = append(errs, "cache: order_book_ttl must be > 0")
	}
	if c.Cache.TradesTTL.Duration <= 0 {
		errs = append(errs, "cache: trades_ttl must be > 0")
	}
	if c.Cache.MarkPriceTTL.Duration <= 0 {
		errs = append(errs, "cache: mark_price_ttl must be > 0")
	}

	if c.Governor.Budget < 1 {
		errs = append(errs, "governor: budget must be >= 1")
	}
	if c.Governor.Window.Duration <= 0 {
		errs = append(errs, "governor: window must be > 0")
	}
	if c.Governor.MaxRetries < 0 {
		errs = append(errs, "governor: max_retries must be >= 0")
	}
	if c.Governor.JitterFactor < 0 || c.Governor.JitterFactor > 1 {
		errs = append(errs, fmt.Sprintf("governor: jitter_factor must be in [0, 1], got %g", c.Governor.JitterFactor))
	}
	if c.Governor.BurstThreshold <= 0 || c.Governor.BurstThreshold > 1 {
		errs = append(errs, fmt.Sprintf("governor: burst_threshold must be in (0, 1], got %g", c.Governor.BurstThreshold))
	}

	if c.Feed.Retention.Duration < 30*time.Minute {
		errs = append(errs, "feed: retention must be >= 30m to cover the longest profile window")
	}
	if c.Feed.MaxTrades < 1000 {
		errs = append(errs, "feed: max_trades must be >= 1000")
	}

	if c.Walls.Samples < 1 {
		errs = append(errs, "walls: samples must be >= 1")
	}
	if c.Walls.Interval.Duration <= 0 {
		errs = append(errs, "walls: interval must be > 0")
	}
	if c.Walls.SizeRatio <= 1 {
		errs = append(errs, "walls: size_ratio must be > 1")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1 when enabled")
		}
	}

	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.Enabled && c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}
	if c.Postgres.Enabled && c.Postgres.ArchiveRetentionDays < 0 {
		errs = append(errs, "postgres: archive_retention_days must not be negative")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
