// Package config defines the top-level configuration for the chainbot
// trading engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantfold/chainbot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by CHAINBOT_* environment
// variables.
type Config struct {
	Engine   domain.EngineConfig `toml:"engine"`
	Pool     PoolConfig          `toml:"pool"`
	Market   MarketConfig        `toml:"market"`
	Server   ServerConfig        `toml:"server"`
	Redis    RedisConfig         `toml:"redis"`
	Postgres PostgresConfig      `toml:"postgres"`
	S3       S3Config            `toml:"s3"`
	Notify   NotifyConfig        `toml:"notify"`
	LogLevel string              `toml:"log_level"`
}

// PoolConfig holds RPC endpoint pool tuning parameters.
type PoolConfig struct {
	RotationThreshold int      `toml:"rotation_threshold"`
	FailureThreshold  int      `toml:"failure_threshold"`
	DialTimeout       duration `toml:"dial_timeout"`
}

// MarketConfig holds market-data collaborator parameters. Source selects the
// implementation: "api" talks to a DEX screener style HTTP API, "sim" runs
// the deterministic in-memory feed (useful with engine.dry_run).
type MarketConfig struct {
	Source         string   `toml:"source"`
	APIURL         string   `toml:"api_url"`
	APIKey         string   `toml:"api_key"`
	RequestTimeout duration `toml:"request_timeout"`
	MomentumWindow int      `toml:"momentum_window"`
	SimSeed        int64    `toml:"sim_seed"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// RedisConfig holds Redis connection parameters. The subsystem is optional:
// an empty addr disables it.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// PostgresConfig holds PostgreSQL connection parameters. The subsystem is
// optional: an empty DSN disables it.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// Enabled reports whether Postgres is configured.
func (c PostgresConfig) Enabled() bool { return strings.TrimSpace(c.DSN) != "" }

// S3Config holds S3-compatible object storage parameters for the trade
// archiver. The subsystem is optional: an empty bucket disables it.
type S3Config struct {
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	RetentionDays   int      `toml:"retention_days"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// Enabled reports whether archiving is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// NotifyConfig holds notification channel credentials. Events limits which
// event kinds are pushed; an empty list means the default alert set.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
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
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: domain.EngineConfig{
			Enabled:               true,
			IntervalSeconds:       300,
			MaxConcurrentTrades:   3,
			MaxInvestmentPerTrade: 100,
			ProfitThresholdUSD:    5,
			StopLossPercent:       8,
			TakeProfitPercent:     12,
			MinConfidence:         70,
			CandidatesPerChain:    10,
			MaxErrors:             10,
			DryRun:                true,
		},
		Pool: PoolConfig{
			RotationThreshold: 50,
			FailureThreshold:  3,
			DialTimeout:       duration{10 * time.Second},
		},
		Market: MarketConfig{
			Source:         "sim",
			APIURL:         "https://api.dexscreener.com",
			RequestTimeout: duration{10 * time.Second},
			MomentumWindow: 5,
			SimSeed:        1,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Redis: RedisConfig{
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:        "",
			Region:          "us-east-1",
			UseSSL:          true,
			ForcePathStyle:  false,
			RetentionDays:   90,
			ArchiveInterval: duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"trade_closed", "bot_stopped", "cycle_error"},
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

// validMarketSources enumerates the accepted values for Market.Source.
var validMarketSources = map[string]bool{
	"api": true,
	"sim": true,
}

// validNotifyEvents enumerates the event kinds the notifier can subscribe to.
var validNotifyEvents = map[string]bool{
	string(domain.EventTradeClosed): true,
	string(domain.EventNewTrade):    true,
	string(domain.EventBotStopped):  true,
	string(domain.EventCycleError):  true,
	string(domain.EventBotStatus):   true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	e := c.Engine
	if e.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("engine: interval_seconds must be positive, got %d", e.IntervalSeconds))
	}
	if e.MaxConcurrentTrades < 1 {
		errs = append(errs, "engine: max_concurrent_trades must be >= 1")
	}
	if e.MaxInvestmentPerTrade <= 0 {
		errs = append(errs, "engine: max_investment_per_trade must be > 0")
	}
	if e.StopLossPercent <= 0 {
		errs = append(errs, "engine: stop_loss_percent must be > 0")
	}
	if e.TakeProfitPercent <= 0 {
		errs = append(errs, "engine: take_profit_percent must be > 0")
	}
	if e.MinConfidence < 0 || e.MinConfidence > 100 {
		errs = append(errs, fmt.Sprintf("engine: min_confidence must be 0-100, got %d", e.MinConfidence))
	}
	if e.CandidatesPerChain < 1 {
		errs = append(errs, "engine: candidates_per_chain must be >= 1")
	}
	if e.MaxErrors < 1 {
		errs = append(errs, "engine: max_errors must be >= 1")
	}

	// Chains
	seen := map[string]bool{}
	enabledChains := 0
	for i, ch := range e.Chains {
		if ch.Name == "" {
			errs = append(errs, fmt.Sprintf("engine: chains[%d]: name must not be empty", i))
			continue
		}
		if seen[ch.Name] {
			errs = append(errs, fmt.Sprintf("engine: duplicate chain %q", ch.Name))
		}
		seen[ch.Name] = true
		if !ch.Enabled {
			continue
		}
		enabledChains++
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Sprintf("engine: chain %q is enabled but has no rpc_url", ch.Name))
		}
		if ch.ChainID <= 0 {
			errs = append(errs, fmt.Sprintf("engine: chain %q: chain_id must be positive, got %d", ch.Name, ch.ChainID))
		}
	}
	if e.Enabled && enabledChains == 0 {
		errs = append(errs, "engine: enabled but no chain is enabled")
	}

	// Pool
	if c.Pool.RotationThreshold < 1 {
		errs = append(errs, "pool: rotation_threshold must be >= 1")
	}
	if c.Pool.FailureThreshold < 1 {
		errs = append(errs, "pool: failure_threshold must be >= 1")
	}
	if c.Pool.DialTimeout.Duration <= 0 {
		errs = append(errs, "pool: dial_timeout must be positive")
	}

	// Market
	if !validMarketSources[c.Market.Source] {
		errs = append(errs, fmt.Sprintf("market: unknown source %q (valid: api, sim)", c.Market.Source))
	}
	if c.Market.Source == "api" && c.Market.APIURL == "" {
		errs = append(errs, "market: api_url must not be empty when source is api")
	}
	if c.Market.RequestTimeout.Duration <= 0 {
		errs = append(errs, "market: request_timeout must be positive")
	}
	if c.Market.MomentumWindow < 2 {
		errs = append(errs, "market: momentum_window must be >= 2")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Redis (optional)
	if c.Redis.Enabled() {
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.DB < 0 {
			errs = append(errs, "redis: db must be >= 0")
		}
	}

	// Postgres (optional)
	if c.Postgres.Enabled() {
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// S3 (optional). Archiving reads closed trades from Postgres.
	if c.S3.Enabled() {
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be positive")
		}
		if !c.Postgres.Enabled() {
			errs = append(errs, "s3: archiving requires postgres.dsn to be set")
		}
	}

	// Notify
	for _, ev := range c.Notify.Events {
		if !validNotifyEvents[ev] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", ev))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
