package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/chainbot/internal/domain"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalTOML = `
log_level = "debug"

[engine]
interval_seconds = 120
max_concurrent_trades = 5

[[engine.chains]]
name = "ethereum"
chain_id = 1
rpc_url = "https://eth.example"
fallback_urls = ["https://eth-b.example"]
enabled = true
watchlist = ["0xaaa", "0xbbb"]
`

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeTOML(t, minimalTOML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 120, cfg.Engine.IntervalSeconds)
	assert.Equal(t, 5, cfg.Engine.MaxConcurrentTrades)

	// Untouched fields keep their defaults.
	assert.Equal(t, 8.0, cfg.Engine.StopLossPercent)
	assert.Equal(t, 12.0, cfg.Engine.TakeProfitPercent)
	assert.Equal(t, 50, cfg.Pool.RotationThreshold)
	assert.Equal(t, 10*time.Second, cfg.Pool.DialTimeout.Duration)
	assert.Equal(t, "sim", cfg.Market.Source)

	require.Len(t, cfg.Engine.Chains, 1)
	ch := cfg.Engine.Chains[0]
	assert.Equal(t, "ethereum", ch.Name)
	assert.Equal(t, int64(1), ch.ChainID)
	assert.Equal(t, []string{"https://eth-b.example"}, ch.FallbackURLs)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, ch.Watchlist)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHAINBOT_ENGINE_INTERVAL_SECONDS", "45")
	t.Setenv("CHAINBOT_ENGINE_DRY_RUN", "false")
	t.Setenv("CHAINBOT_ENGINE_STOP_LOSS_PERCENT", "6.5")
	t.Setenv("CHAINBOT_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("CHAINBOT_POOL_DIAL_TIMEOUT", "3s")
	t.Setenv("CHAINBOT_SERVER_CORS_ORIGINS", "https://one.example, https://two.example")
	t.Setenv("CHAINBOT_LOG_LEVEL", "warn")

	cfg, err := Load(writeTOML(t, minimalTOML))
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.Engine.IntervalSeconds)
	assert.False(t, cfg.Engine.DryRun)
	assert.Equal(t, 6.5, cfg.Engine.StopLossPercent)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 3*time.Second, cfg.Pool.DialTimeout.Duration)
	assert.Equal(t, []string{"https://one.example", "https://two.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_MalformedEnvValueIgnored(t *testing.T) {
	t.Setenv("CHAINBOT_ENGINE_INTERVAL_SECONDS", "not-a-number")

	cfg, err := Load(writeTOML(t, minimalTOML))
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Engine.IntervalSeconds)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Engine.IntervalSeconds = 0
	cfg.Engine.MinConfidence = 150
	cfg.Engine.Chains = []domain.ChainConfig{
		{Name: "ethereum", Enabled: true}, // no rpc_url, no chain_id
		{Name: "ethereum", ChainID: 1, RPCURL: "https://x", Enabled: true},
	}
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "unknown log_level")
	assert.Contains(t, msg, "interval_seconds must be positive")
	assert.Contains(t, msg, "min_confidence must be 0-100")
	assert.Contains(t, msg, "has no rpc_url")
	assert.Contains(t, msg, `duplicate chain "ethereum"`)
	assert.Contains(t, msg, "port must be 1-65535")
}

func TestValidate_EngineNeedsAnEnabledChain(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Enabled = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chain is enabled")

	cfg.Engine.Enabled = false
	require.NoError(t, cfg.Validate())
}

func TestValidate_OptionalSubsystems(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.Chains = []domain.ChainConfig{
		{Name: "base", ChainID: 8453, RPCURL: "https://base.example", Enabled: true},
	}
	require.NoError(t, cfg.Validate())

	// Disabled subsystems are not checked.
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Postgres.Enabled())
	assert.False(t, cfg.S3.Enabled())

	// Archiving without Postgres is a configuration error.
	cfg.S3.Bucket = "chainbot-archive"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires postgres.dsn")

	cfg.Postgres.DSN = "postgres://chainbot@localhost:5432/chainbot"
	require.NoError(t, cfg.Validate())
}

func TestRedactedConfig_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Server.APIKey = "dashboard-key"
	cfg.Redis.Password = "hunter2"
	cfg.Postgres.DSN = "postgres://chainbot:pw@localhost/chainbot"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Notify.TelegramToken = "123:abc"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.Postgres.DSN)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// The original is untouched, and slice fields are copies.
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	red.Notify.Events[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Notify.Events[0])
}

func TestValidate_NotifyEvents(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.Chains = []domain.ChainConfig{
		{Name: "base", ChainID: 8453, RPCURL: "https://base.example", Enabled: true},
	}
	cfg.Notify.Events = []string{"trade_closed", "lunar_phase"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown event "lunar_phase"`)
}
