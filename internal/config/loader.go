package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CHAINBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CHAINBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file. Chain definitions are TOML-only.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setBool(&cfg.Engine.Enabled, "CHAINBOT_ENGINE_ENABLED")
	setInt(&cfg.Engine.IntervalSeconds, "CHAINBOT_ENGINE_INTERVAL_SECONDS")
	setInt(&cfg.Engine.MaxConcurrentTrades, "CHAINBOT_ENGINE_MAX_CONCURRENT_TRADES")
	setFloat64(&cfg.Engine.MaxInvestmentPerTrade, "CHAINBOT_ENGINE_MAX_INVESTMENT_PER_TRADE")
	setFloat64(&cfg.Engine.ProfitThresholdUSD, "CHAINBOT_ENGINE_PROFIT_THRESHOLD_USD")
	setFloat64(&cfg.Engine.StopLossPercent, "CHAINBOT_ENGINE_STOP_LOSS_PERCENT")
	setFloat64(&cfg.Engine.TakeProfitPercent, "CHAINBOT_ENGINE_TAKE_PROFIT_PERCENT")
	setInt(&cfg.Engine.MinConfidence, "CHAINBOT_ENGINE_MIN_CONFIDENCE")
	setInt(&cfg.Engine.CandidatesPerChain, "CHAINBOT_ENGINE_CANDIDATES_PER_CHAIN")
	setInt(&cfg.Engine.MaxErrors, "CHAINBOT_ENGINE_MAX_ERRORS")
	setBool(&cfg.Engine.DryRun, "CHAINBOT_ENGINE_DRY_RUN")

	// ── Pool ──
	setInt(&cfg.Pool.RotationThreshold, "CHAINBOT_POOL_ROTATION_THRESHOLD")
	setInt(&cfg.Pool.FailureThreshold, "CHAINBOT_POOL_FAILURE_THRESHOLD")
	setDuration(&cfg.Pool.DialTimeout, "CHAINBOT_POOL_DIAL_TIMEOUT")

	// ── Market ──
	setStr(&cfg.Market.Source, "CHAINBOT_MARKET_SOURCE")
	setStr(&cfg.Market.APIURL, "CHAINBOT_MARKET_API_URL")
	setStr(&cfg.Market.APIKey, "CHAINBOT_MARKET_API_KEY")
	setDuration(&cfg.Market.RequestTimeout, "CHAINBOT_MARKET_REQUEST_TIMEOUT")
	setInt(&cfg.Market.MomentumWindow, "CHAINBOT_MARKET_MOMENTUM_WINDOW")
	setInt64(&cfg.Market.SimSeed, "CHAINBOT_MARKET_SIM_SEED")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CHAINBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CHAINBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "CHAINBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "CHAINBOT_SERVER_CORS_ORIGINS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CHAINBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CHAINBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CHAINBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CHAINBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CHAINBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CHAINBOT_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CHAINBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "CHAINBOT_DATABASE_URL") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "CHAINBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CHAINBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CHAINBOT_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CHAINBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CHAINBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "CHAINBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CHAINBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CHAINBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CHAINBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CHAINBOT_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "CHAINBOT_S3_RETENTION_DAYS")
	setDuration(&cfg.S3.ArchiveInterval, "CHAINBOT_S3_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CHAINBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CHAINBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CHAINBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CHAINBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "CHAINBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
