// Package config defines the top-level configuration for the delphibot
// trading engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by DELPHI_* environment
// variables.
type Config struct {
	Binance  BinanceConfig  `toml:"binance"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Advisor  AdvisorConfig  `toml:"advisor"`
	Trading  TradingConfig  `toml:"trading"`
	Triggers TriggersConfig `toml:"triggers"`
	Costs    CostsConfig    `toml:"costs"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BinanceConfig holds USDT-M futures API endpoints and credentials. The
// secret may be given raw or as an encrypted key file plus password.
type BinanceConfig struct {
	BaseURL            string   `toml:"base_url"`
	WsURL              string   `toml:"ws_url"`
	APIKey             string   `toml:"api_key"`
	APISecret          string   `toml:"api_secret"`
	EncryptedSecretPath string  `toml:"encrypted_secret_path"`
	SecretPassword     string   `toml:"secret_password"`
	Testnet            bool     `toml:"testnet"`
	RecvWindowMs       int      `toml:"recv_window_ms"`
	TimeoutSeconds     int      `toml:"timeout_seconds"`
	MaxRetries         int      `toml:"max_retries"`
	BreakerThreshold   int      `toml:"breaker_threshold"`
	BreakerCooldown    duration `toml:"breaker_cooldown"`
}

// DatabaseConfig holds PostgreSQL connection parameters for the trade log
// and intent stores.
type DatabaseConfig struct {
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
}

// RedisConfig holds Redis connection parameters. Redis backs the trigger
// store, the position cache, the slippage history, the advisory call log,
// and the pipeline lock.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the audit
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// AdvisorConfig holds the advisory collaborator endpoint.
type AdvisorConfig struct {
	URL            string   `toml:"url"`
	APIKey         string   `toml:"api_key"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	CallTTL        duration `toml:"call_ttl"`
}

// TradingConfig holds execution and risk parameters.
type TradingConfig struct {
	Symbol         string  `toml:"symbol"`
	CapitalPercent float64 `toml:"capital_percent"`
	Leverage       int     `toml:"leverage"`

	// Pyramiding (ADJUST_POSITION) guards.
	PyramidingEnabled   bool    `toml:"pyramiding_enabled"`
	PyramidingMinProfit float64 `toml:"pyramiding_min_profit_pct"`
	PyramidingMaxRatio  float64 `toml:"pyramiding_max_ratio"`

	// Risk watchdog limits.
	DailyLossLimitPct float64 `toml:"daily_loss_limit_pct"`
	MarginRatioLimit  float64 `toml:"margin_ratio_limit"`

	// Resting entry orders.
	EntryTimeout duration `toml:"entry_timeout"`
}

// TriggersConfig holds trigger thresholds and re-evaluation gating.
type TriggersConfig struct {
	SweepInterval       duration `toml:"sweep_interval"`
	WatchExpiryHours    int      `toml:"watch_expiry_hours"`
	PositionExpiryHours int      `toml:"position_expiry_hours"`

	DrawdownPct     float64 `toml:"drawdown_pct"`     // negative, e.g. -4.0
	EmergencyPct    float64 `toml:"emergency_pct"`    // negative, e.g. -8.0
	ProfitPct       float64 `toml:"profit_pct"`       // positive, e.g. 6.0
	StagnationHours float64 `toml:"stagnation_hours"` // TIME trigger
	MinMovementPct  float64 `toml:"min_movement_pct"` // TIME trigger
	VolatilityMult  float64 `toml:"volatility_mult"`  // spike factor
	VolumeMult      float64 `toml:"volume_mult"`      // anomaly factor

	// Smart gate for MEDIUM/LOW firings.
	MinReevalInterval duration `toml:"min_reeval_interval"`
	MaxCallsPerHour   int      `toml:"max_calls_per_hour"`
	PnLGatePct        float64  `toml:"pnl_gate_pct"`
	EmergencyCooldown duration `toml:"emergency_cooldown"`
}

// CostsConfig holds the fee/slippage model parameters.
type CostsConfig struct {
	MakerFeePct        float64 `toml:"maker_fee_pct"`
	TakerFeePct        float64 `toml:"taker_fee_pct"`
	BaseSlippagePct    float64 `toml:"base_slippage_pct"`
	VolumeImpactFactor float64 `toml:"volume_impact_factor"`
	FundingRatePct     float64 `toml:"funding_rate_pct"`
	HoldingHours       float64 `toml:"holding_hours"`
	AlertCostPct       float64 `toml:"alert_cost_pct"`
}

// PipelineConfig holds the decision cycle cadence.
type PipelineConfig struct {
	Interval duration `toml:"interval"`
	LockTTL  duration `toml:"lock_ttl"`
}

// NotifyConfig holds alert delivery channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration for TOML decoding of strings like "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Defaults returns the built-in configuration, matching the original
// system's constants where it had them.
func Defaults() Config {
	return Config{
		Binance: BinanceConfig{
			BaseURL:          "https://fapi.binance.com",
			WsURL:            "wss://fstream.binance.com/ws",
			RecvWindowMs:     5000,
			TimeoutSeconds:   10,
			MaxRetries:       3,
			BreakerThreshold: 5,
			BreakerCooldown:  duration{30 * time.Second},
		},
		Database: DatabaseConfig{
			Port:         5432,
			SSLMode:      "disable",
			PoolMaxConns: 8,
			PoolMinConns: 1,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 8,
		},
		Advisor: AdvisorConfig{
			TimeoutSeconds: 120,
		},
		Trading: TradingConfig{
			Symbol:              "SOLUSDT",
			CapitalPercent:      20,
			Leverage:            1,
			PyramidingMinProfit: 2.0,
			PyramidingMaxRatio:  0.4,
			DailyLossLimitPct:   -10.0,
			MarginRatioLimit:    0.8,
			EntryTimeout:        duration{30 * time.Minute},
		},
		Triggers: TriggersConfig{
			SweepInterval:       duration{30 * time.Second},
			WatchExpiryHours:    24,
			PositionExpiryHours: 168,
			DrawdownPct:         -4.0,
			EmergencyPct:        -8.0,
			ProfitPct:           6.0,
			StagnationHours:     24,
			MinMovementPct:      1.0,
			VolatilityMult:      2.0,
			VolumeMult:          3.0,
			MinReevalInterval:   duration{10 * time.Minute},
			MaxCallsPerHour:     6,
			PnLGatePct:          2.0,
			EmergencyCooldown:   duration{30 * time.Minute},
		},
		Costs: CostsConfig{
			MakerFeePct:        0.02,
			TakerFeePct:        0.04,
			BaseSlippagePct:    0.05,
			VolumeImpactFactor: 0.02,
			FundingRatePct:     0.01,
			HoldingHours:       24,
			AlertCostPct:       2.0,
		},
		Pipeline: PipelineConfig{
			Interval: duration{4 * time.Hour},
			LockTTL:  duration{5 * time.Minute},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// Validate checks the configuration for internally inconsistent or missing
// values. It is called once at startup, after Load.
func (c *Config) Validate() error {
	var problems []string

	if c.Trading.Symbol == "" {
		problems = append(problems, "trading.symbol is required")
	}
	if c.Trading.CapitalPercent <= 0 || c.Trading.CapitalPercent > 100 {
		problems = append(problems, fmt.Sprintf("trading.capital_percent must be in (0,100], got %v", c.Trading.CapitalPercent))
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 125 {
		problems = append(problems, fmt.Sprintf("trading.leverage must be in [1,125], got %d", c.Trading.Leverage))
	}
	if c.Trading.PyramidingEnabled && c.Trading.PyramidingMaxRatio <= 0 {
		problems = append(problems, "trading.pyramiding_max_ratio must be positive when pyramiding is enabled")
	}
	if c.Binance.APIKey == "" {
		problems = append(problems, "binance.api_key is required")
	}
	if c.Binance.APISecret == "" && c.Binance.EncryptedSecretPath == "" {
		problems = append(problems, "one of binance.api_secret or binance.encrypted_secret_path is required")
	}
	if c.Database.DSN == "" && c.Database.Host == "" {
		problems = append(problems, "database.dsn or database.host is required")
	}
	if c.Advisor.URL == "" && c.Mode == "run" {
		problems = append(problems, "advisor.url is required in run mode")
	}
	if c.Triggers.DrawdownPct >= 0 {
		problems = append(problems, "triggers.drawdown_pct must be negative")
	}
	if c.Triggers.EmergencyPct >= c.Triggers.DrawdownPct {
		problems = append(problems, "triggers.emergency_pct must be below triggers.drawdown_pct")
	}
	if c.Triggers.MaxCallsPerHour <= 0 {
		problems = append(problems, "triggers.max_calls_per_hour must be positive")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		problems = append(problems, "s3.bucket is required when s3 is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
