package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tapelens/tapelens/internal/analytics"
	s3blob "github.com/tapelens/tapelens/internal/blob/s3"
	"github.com/tapelens/tapelens/internal/cache"
	"github.com/tapelens/tapelens/internal/cache/redis"
	"github.com/tapelens/tapelens/internal/config"
	"github.com/tapelens/tapelens/internal/domain"
	"github.com/tapelens/tapelens/internal/feed"
	"github.com/tapelens/tapelens/internal/governor"
	"github.com/tapelens/tapelens/internal/jobs"
	"github.com/tapelens/tapelens/internal/store/postgres"
	"github.com/tapelens/tapelens/internal/upstream"
)

// archiveTimeout bounds each eviction flush to the archive backends.
const archiveTimeout = 30 * time.Second

// Dependencies bundles every component the engine exposes. It is constructed
// by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Registry *domain.SymbolRegistry
	Governor *governor.Governor
	Market   *cache.MarketCache
	Buffer   *feed.TradeBuffer
	Stream   *feed.TradeStream

	QueueFill *analytics.QueueFillEstimator
	Profiles  *analytics.VolumeProfiler
	Walls     *analytics.WallTracker

	// Jobs is nil when no order executor was supplied.
	Jobs *jobs.Manager

	// Optional persistence, nil unless configured.
	TradeArchive *postgres.TradeArchive
	ColdStore    *s3blob.TradeArchiver
}

// Wire constructs all concrete implementations from the given configuration
// and returns them together with a cleanup function that should be called on
// shutdown to release resources. exec may be nil; conditional order jobs are
// then unavailable.
func Wire(ctx context.Context, cfg *config.Config, exec domain.OrderExecutor, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	infos := make([]domain.SymbolInfo, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		infos = append(infos, domain.SymbolInfo{
			Symbol:   s.Symbol,
			TickSize: s.TickSize,
			StepSize: s.StepSize,
		})
	}
	deps.Registry = domain.NewSymbolRegistry(infos)

	// --- Rate window: Redis when several processes share one API key,
	// otherwise the in-process ring. ---
	var window domain.RateWindow
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		window = redis.NewRateWindow(redisClient)
	}

	deps.Governor = governor.New(governor.Config{
		Budget:         cfg.Governor.Budget,
		Window:         cfg.Governor.Window.Duration,
		MaxRetries:     cfg.Governor.MaxRetries,
		BaseDelay:      cfg.Governor.BaseDelay.Duration,
		MaxDelay:       cfg.Governor.MaxDelay.Duration,
		JitterFactor:   cfg.Governor.JitterFactor,
		BurstThreshold: cfg.Governor.BurstThreshold,
	}, window, logger)

	// Every REST call goes through the governor's budget.
	governed := upstream.NewGoverned(upstream.New(cfg.Upstream.RestHost), deps.Governor)

	deps.Market = cache.NewMarketCache(governed, cache.Config{
		OrderBookTTL: cfg.Cache.OrderBookTTL.Duration,
		TradesTTL:    cfg.Cache.TradesTTL.Duration,
		MarkPriceTTL: cfg.Cache.MarkPriceTTL.Duration,
	}, logger)

	// --- PostgreSQL (optional) ---
	var pgClient *postgres.Client
	if cfg.Postgres.Enabled {
		var err error
		pgClient, err = postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.TradeArchive = postgres.NewTradeArchive(pgClient, logger)
	}

	// --- S3 cold storage (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.ColdStore = s3blob.NewTradeArchiver(s3Client)
	}

	// Evicted batches leave the feed's append path immediately; the worker
	// flushes them to the archive backends in the background.
	worker := newArchiveWorker(evictHandler(deps, logger), logger)
	closers = append(closers, worker.Close)

	deps.Buffer = feed.NewTradeBuffer(feed.BufferConfig{
		Retention: cfg.Feed.Retention.Duration,
		MaxTrades: cfg.Feed.MaxTrades,
	}, worker.Enqueue)
	deps.Stream = feed.NewTradeStream(cfg.Upstream.WsHost, deps.Registry.Symbols(), deps.Buffer, logger)

	// Historical profile ranges come from the local archive when it covers
	// them, sparing the upstream budget.
	var history analytics.HistoricalTrades = governed
	if deps.TradeArchive != nil {
		history = newTradeHistory(deps.TradeArchive, governed, logger)
	}

	deps.QueueFill = analytics.NewQueueFillEstimator(deps.Market, deps.Buffer, deps.Registry, logger)
	deps.Profiles = analytics.NewVolumeProfiler(history, deps.Buffer, deps.Registry, logger)
	deps.Walls = analytics.NewWallTracker(deps.Market, deps.Governor, analytics.WallConfig{
		Samples:     cfg.Walls.Samples,
		Interval:    cfg.Walls.Interval.Duration,
		TopN:        cfg.Walls.TopN,
		SizeRatio:   cfg.Walls.SizeRatio,
		MinNotional: cfg.Walls.MinNotional,
		ToleranceBp: cfg.Walls.ToleranceBp,
		ResultTTL:   cfg.Walls.ResultTTL.Duration,
	}, deps.Registry, logger)

	if exec != nil {
		var audit jobs.AuditStore
		if pgClient != nil {
			// Same database carries the audit trail.
			audit = postgres.NewJobAuditStore(pgClient)
		}
		deps.Jobs = jobs.NewManager(exec, audit, logger)
		closers = append(closers, deps.Jobs.Close)
	}

	return deps, cleanup, nil
}

// evictHandler chains the configured archive backends. Evicted batches go to
// PostgreSQL for range queries and to S3 for cold storage; either may be
// absent.
func evictHandler(deps *Dependencies, logger *slog.Logger) feed.EvictHandler {
	log := logger.With(slog.String("component", "evict"))
	return func(symbol string, trades []domain.TradeRecord) {
		if deps.TradeArchive != nil {
			deps.TradeArchive.EvictHandler(archiveTimeout)(symbol, trades)
		}
		if deps.ColdStore != nil {
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			if _, err := deps.ColdStore.ArchiveBatch(ctx, symbol, trades); err != nil {
				log.Warn("cold storage archive failed",
					slog.String("symbol", symbol),
					slog.Int("count", len(trades)),
					slog.String("error", err.Error()))
			}
		}
	}
}
