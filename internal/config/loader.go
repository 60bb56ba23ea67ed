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
// built-in defaults, applies DELPHI_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known DELPHI_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Binance ──
	setStr(&cfg.Binance.BaseURL, "DELPHI_BINANCE_BASE_URL")
	setStr(&cfg.Binance.WsURL, "DELPHI_BINANCE_WS_URL")
	setStr(&cfg.Binance.APIKey, "DELPHI_BINANCE_API_KEY")
	setStr(&cfg.Binance.APISecret, "DELPHI_BINANCE_API_SECRET")
	setStr(&cfg.Binance.EncryptedSecretPath, "DELPHI_BINANCE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Binance.SecretPassword, "DELPHI_BINANCE_SECRET_PASSWORD")
	setBool(&cfg.Binance.Testnet, "DELPHI_BINANCE_TESTNET")
	setInt(&cfg.Binance.RecvWindowMs, "DELPHI_BINANCE_RECV_WINDOW_MS")
	setInt(&cfg.Binance.TimeoutSeconds, "DELPHI_BINANCE_TIMEOUT_SECONDS")
	setInt(&cfg.Binance.MaxRetries, "DELPHI_BINANCE_MAX_RETRIES")
	setInt(&cfg.Binance.BreakerThreshold, "DELPHI_BINANCE_BREAKER_THRESHOLD")
	setDuration(&cfg.Binance.BreakerCooldown, "DELPHI_BINANCE_BREAKER_COOLDOWN")

	// ── Database ──
	setStr(&cfg.Database.DSN, "DELPHI_DATABASE_DSN")
	setStr(&cfg.Database.Host, "DELPHI_DATABASE_HOST")
	setInt(&cfg.Database.Port, "DELPHI_DATABASE_PORT")
	setStr(&cfg.Database.Database, "DELPHI_DATABASE_NAME")
	setStr(&cfg.Database.User, "DELPHI_DATABASE_USER")
	setStr(&cfg.Database.Password, "DELPHI_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "DELPHI_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "DELPHI_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "DELPHI_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "DELPHI_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DELPHI_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DELPHI_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DELPHI_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DELPHI_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DELPHI_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DELPHI_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "DELPHI_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DELPHI_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DELPHI_S3_REGION")
	setStr(&cfg.S3.Bucket, "DELPHI_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DELPHI_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DELPHI_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "DELPHI_S3_FORCE_PATH_STYLE")

	// ── Advisor ──
	setStr(&cfg.Advisor.URL, "DELPHI_ADVISOR_URL")
	setStr(&cfg.Advisor.APIKey, "DELPHI_ADVISOR_API_KEY")
	setInt(&cfg.Advisor.TimeoutSeconds, "DELPHI_ADVISOR_TIMEOUT_SECONDS")

	// ── Trading ──
	setStr(&cfg.Trading.Symbol, "DELPHI_TRADING_SYMBOL")
	setFloat64(&cfg.Trading.CapitalPercent, "DELPHI_TRADING_CAPITAL_PERCENT")
	setInt(&cfg.Trading.Leverage, "DELPHI_TRADING_LEVERAGE")
	setBool(&cfg.Trading.PyramidingEnabled, "DELPHI_TRADING_PYRAMIDING_ENABLED")
	setFloat64(&cfg.Trading.PyramidingMinProfit, "DELPHI_TRADING_PYRAMIDING_MIN_PROFIT_PCT")
	setFloat64(&cfg.Trading.PyramidingMaxRatio, "DELPHI_TRADING_PYRAMIDING_MAX_RATIO")
	setFloat64(&cfg.Trading.DailyLossLimitPct, "DELPHI_TRADING_DAILY_LOSS_LIMIT_PCT")
	setFloat64(&cfg.Trading.MarginRatioLimit, "DELPHI_TRADING_MARGIN_RATIO_LIMIT")
	setDuration(&cfg.Trading.EntryTimeout, "DELPHI_TRADING_ENTRY_TIMEOUT")

	// ── Triggers ──
	setDuration(&cfg.Triggers.SweepInterval, "DELPHI_TRIGGERS_SWEEP_INTERVAL")
	setInt(&cfg.Triggers.WatchExpiryHours, "DELPHI_TRIGGERS_WATCH_EXPIRY_HOURS")
	setInt(&cfg.Triggers.PositionExpiryHours, "DELPHI_TRIGGERS_POSITION_EXPIRY_HOURS")
	setFloat64(&cfg.Triggers.DrawdownPct, "DELPHI_TRIGGERS_DRAWDOWN_PCT")
	setFloat64(&cfg.Triggers.EmergencyPct, "DELPHI_TRIGGERS_EMERGENCY_PCT")
	setFloat64(&cfg.Triggers.ProfitPct, "DELPHI_TRIGGERS_PROFIT_PCT")
	setDuration(&cfg.Triggers.MinReevalInterval, "DELPHI_TRIGGERS_MIN_REEVAL_INTERVAL")
	setInt(&cfg.Triggers.MaxCallsPerHour, "DELPHI_TRIGGERS_MAX_CALLS_PER_HOUR")
	setFloat64(&cfg.Triggers.PnLGatePct, "DELPHI_TRIGGERS_PNL_GATE_PCT")
	setDuration(&cfg.Triggers.EmergencyCooldown, "DELPHI_TRIGGERS_EMERGENCY_COOLDOWN")

	// ── Pipeline ──
	setDuration(&cfg.Pipeline.Interval, "DELPHI_PIPELINE_INTERVAL")
	setDuration(&cfg.Pipeline.LockTTL, "DELPHI_PIPELINE_LOCK_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DELPHI_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DELPHI_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DELPHI_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DELPHI_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DELPHI_MODE")
	setStr(&cfg.LogLevel, "DELPHI_LOG_LEVEL")
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
