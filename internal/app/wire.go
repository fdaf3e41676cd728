package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/quantfold/chainbot/internal/blob/s3"
	"github.com/quantfold/chainbot/internal/cache/redis"
	"github.com/quantfold/chainbot/internal/config"
	"github.com/quantfold/chainbot/internal/domain"
	"github.com/quantfold/chainbot/internal/engine"
	"github.com/quantfold/chainbot/internal/eventbus"
	"github.com/quantfold/chainbot/internal/market"
	"github.com/quantfold/chainbot/internal/notify"
	"github.com/quantfold/chainbot/internal/rpcpool"
	"github.com/quantfold/chainbot/internal/server/handler"
	"github.com/quantfold/chainbot/internal/store"
	"github.com/quantfold/chainbot/internal/store/postgres"
)

// cachedPriceMaxAge bounds how stale a Redis-cached price may be before the
// read-through layer refreshes it from the upstream feed. Kept well under
// the shortest sensible cycle interval.
const cachedPriceMaxAge = 30 * time.Second

// Dependencies bundles everything the application lifecycle needs. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional subsystems (Redis, Postgres, S3, notifications) are nil when not
// configured.
type Dependencies struct {
	Bus    *eventbus.Bus
	Pool   *rpcpool.Pool
	Engine *engine.Engine

	// TradeStore is non-nil when Postgres is configured.
	TradeStore domain.TradeStore

	// Archiver is non-nil when both Postgres and S3 are configured.
	Archiver *s3blob.Archiver

	// Health holds one connectivity probe per configured subsystem, served
	// by the health endpoint.
	Health map[string]handler.HealthCheck
}

// Wire constructs every concrete dependency from the configuration and
// returns it with a cleanup function releasing resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	bus := eventbus.New(logger)
	closers = append(closers, bus.Close)

	pool := rpcpool.New(cfg.Engine.Chains, rpcpool.Config{
		RotationThreshold: cfg.Pool.RotationThreshold,
		FailureThreshold:  cfg.Pool.FailureThreshold,
		DialTimeout:       cfg.Pool.DialTimeout.Duration,
	}, logger)

	feed, candidates := buildMarket(cfg, logger)

	deps := &Dependencies{
		Bus:    bus,
		Pool:   pool,
		Health: make(map[string]handler.HealthCheck),
	}

	// Redis: price read-through cache plus the external event mirror.
	if cfg.Redis.Enabled() {
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
		deps.Health["redis"] = redisClient.Ping

		feed = market.NewCachedFeed(feed, redis.NewPriceCache(redisClient), cachedPriceMaxAge, logger)

		mirror := redis.NewEventMirror(redisClient, logger)
		closers = append(closers, mirror.Attach(ctx, bus))
	}

	// Postgres: persistent history of closed trades.
	if cfg.Postgres.Enabled() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)
		deps.Health["postgres"] = pgClient.Ping

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.TradeStore = postgres.NewTradeStore(pgClient.Pool())

		recorder := store.NewRecorder(deps.TradeStore, logger)
		closers = append(closers, recorder.Attach(ctx, bus))
	}

	// S3: cold-storage archiving of closed trades. Validation guarantees
	// Postgres is present whenever S3 is.
	if cfg.S3.Enabled() {
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

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.TradeStore,
			cfg.S3.RetentionDays,
			logger,
		)
		deps.Health["s3"] = s3Client.Health
	}

	// Notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		notifier := notify.NewNotifier(senders, cfg.Notify.Events, logger)
		closers = append(closers, notifier.Attach(ctx, bus))
	}

	// The analyzer samples through the (possibly cached) feed so momentum
	// windows and risk checks see the same prices.
	analyzer := market.NewMomentumAnalyzer(feed, cfg.Market.MomentumWindow)

	deps.Engine = engine.New(
		cfg.Engine,
		pool,
		analyzer,
		feed,
		candidates,
		bus,
		logger,
		engine.Options{StrategyName: "momentum"},
	)

	return deps, cleanup, nil
}

// buildMarket assembles the price feed and candidate source for the
// configured market source: the screener HTTP API, or the deterministic
// simulator with chain watchlists as the candidate source.
func buildMarket(cfg *config.Config, logger *slog.Logger) (domain.PriceFeed, domain.CandidateSource) {
	if cfg.Market.Source == "api" {
		screener := market.NewScreenerClient(cfg.Market.APIURL, cfg.Market.APIKey, cfg.Market.RequestTimeout.Duration)
		return screener, screener
	}

	logger.Info("using simulated market data", slog.Int64("seed", cfg.Market.SimSeed))
	return market.NewSimFeed(cfg.Market.SimSeed), market.NewStaticCandidateSource(cfg.Engine.Chains)
}
