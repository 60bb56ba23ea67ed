package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/delquant/delphibot/internal/advisor"
	s3blob "github.com/delquant/delphibot/internal/blob/s3"
	"github.com/delquant/delphibot/internal/cache/redis"
	"github.com/delquant/delphibot/internal/config"
	"github.com/delquant/delphibot/internal/costs"
	"github.com/delquant/delphibot/internal/crypto"
	"github.com/delquant/delphibot/internal/domain"
	"github.com/delquant/delphibot/internal/executor"
	"github.com/delquant/delphibot/internal/exits"
	"github.com/delquant/delphibot/internal/feed"
	"github.com/delquant/delphibot/internal/notify"
	"github.com/delquant/delphibot/internal/pipeline"
	"github.com/delquant/delphibot/internal/platform/binance"
	"github.com/delquant/delphibot/internal/reconcile"
	"github.com/delquant/delphibot/internal/store/postgres"
	"github.com/delquant/delphibot/internal/trigger"
)

// Dependencies bundles every wired component the operating modes use. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Exchange *binance.Client

	Trades   domain.TradeLogStore
	Intents  domain.IntentStore
	Triggers domain.TriggerStore

	Recon    *reconcile.Reconciler
	ExitMgr  *exits.Manager
	Executor *executor.Executor
	Feed     *feed.Feed
	Runner   *pipeline.Runner
	Sweeper  *pipeline.Sweeper

	Archiver domain.Archiver
	Notifier *notify.Notifier
}

// Wire constructs the full component graph from the configuration and
// returns it with a cleanup function releasing connections in reverse
// order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	symbol := cfg.Trading.Symbol

	// --- Exchange credentials and REST client ---
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           cfg.Binance.APISecret,
		EncryptedSecretPath: cfg.Binance.EncryptedSecretPath,
		Password:            cfg.Binance.SecretPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: api secret: %w", err)
	}

	deps.Exchange = binance.NewClient(binance.ClientConfig{
		BaseURL:          cfg.Binance.BaseURL,
		Auth:             &crypto.HMACAuth{Key: cfg.Binance.APIKey, Secret: secret},
		RecvWindowMs:     cfg.Binance.RecvWindowMs,
		Timeout:          time.Duration(cfg.Binance.TimeoutSeconds) * time.Second,
		MaxRetries:       cfg.Binance.MaxRetries,
		BreakerThreshold: cfg.Binance.BreakerThreshold,
		BreakerCooldown:  cfg.Binance.BreakerCooldown.Duration,
	}, logger)

	// --- PostgreSQL: trade log and intents ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Trades = postgres.NewTradeLogStore(pool)
	deps.Intents = postgres.NewIntentStore(pool)

	// --- Redis: volatile stores and the pipeline lock ---
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

	triggerStore := redis.NewTriggerStore(redisClient)
	deps.Triggers = triggerStore
	positionCache := redis.NewPositionCache(redisClient)
	slippage := redis.NewSlippageHistory(redisClient)
	callLog := redis.NewAdvisoryCallLog(redisClient)
	locks := redis.NewLockManager(redisClient)

	// --- Alerts ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- S3 archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         true,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Trades, deps.Intents, logger)
	}

	// --- Engine ---
	sizer := costs.NewSizer(cfg.Trading.CapitalPercent, cfg.Trading.Leverage, logger)
	calc := costs.NewCalculator(costs.Params{
		MakerFeePct:        cfg.Costs.MakerFeePct,
		TakerFeePct:        cfg.Costs.TakerFeePct,
		BaseSlippagePct:    cfg.Costs.BaseSlippagePct,
		VolumeImpactFactor: cfg.Costs.VolumeImpactFactor,
		FundingRatePct:     cfg.Costs.FundingRatePct,
	}, slippage, logger)

	deps.ExitMgr = exits.NewManager(deps.Exchange, deps.Notifier, logger)
	deps.Recon = reconcile.NewReconciler(deps.Exchange, deps.Intents, deps.Trades, positionCache, logger)

	gate := trigger.NewGate(trigger.GateConfig{
		MinInterval:       cfg.Triggers.MinReevalInterval.Duration,
		MaxCallsPerHour:   cfg.Triggers.MaxCallsPerHour,
		PnLGatePct:        cfg.Triggers.PnLGatePct,
		EmergencyCooldown: cfg.Triggers.EmergencyCooldown.Duration,
	}, callLog, logger)
	sched := trigger.NewScheduler(triggerStore, gate, trigger.Options{
		WatchExpiry:     time.Duration(cfg.Triggers.WatchExpiryHours) * time.Hour,
		PositionExpiry:  time.Duration(cfg.Triggers.PositionExpiryHours) * time.Hour,
		DrawdownPct:     cfg.Triggers.DrawdownPct,
		EmergencyPct:    cfg.Triggers.EmergencyPct,
		ProfitPct:       cfg.Triggers.ProfitPct,
		StagnationHours: cfg.Triggers.StagnationHours,
		MinMovementPct:  cfg.Triggers.MinMovementPct,
		VolatilityMult:  cfg.Triggers.VolatilityMult,
		VolumeMult:      cfg.Triggers.VolumeMult,
	}, logger)

	deps.Executor = executor.New(executor.Config{
		Symbol:              symbol,
		Leverage:            cfg.Trading.Leverage,
		PyramidingEnabled:   cfg.Trading.PyramidingEnabled,
		PyramidingMinProfit: cfg.Trading.PyramidingMinProfit,
		PyramidingMaxRatio:  cfg.Trading.PyramidingMaxRatio,
		HoldingHours:        cfg.Costs.HoldingHours,
		AlertCostPct:        cfg.Costs.AlertCostPct,
		EntryTimeout:        cfg.Trading.EntryTimeout.Duration,
	}, deps.Exchange, deps.Recon, deps.ExitMgr, sizer, calc, deps.Trades, deps.Intents, sched, deps.Notifier, logger)
	deps.ExitMgr.OnResolved(deps.Executor.HandlePairResolved)

	// --- Market feed ---
	stream := binance.NewStream(cfg.Binance.WsURL, symbol, deps.Exchange, logger)
	deps.Feed = feed.New(symbol, stream, logger)
	deps.Feed.OnFill(deps.ExitMgr.HandleFill)

	// --- Advisor and pipeline ---
	advisorTimeout := time.Duration(cfg.Advisor.TimeoutSeconds) * time.Second
	if cfg.Advisor.CallTTL.Duration > 0 {
		advisorTimeout = cfg.Advisor.CallTTL.Duration
	}
	adv := advisor.NewHTTPAdvisor(cfg.Advisor.URL, cfg.Advisor.APIKey, advisorTimeout, logger)

	deps.Runner = pipeline.NewRunner(pipeline.Config{
		Symbol:   symbol,
		Interval: cfg.Pipeline.Interval.Duration,
		LockTTL:  cfg.Pipeline.LockTTL.Duration,
	}, adv, deps.Executor, deps.Recon, deps.ExitMgr, deps.Feed, deps.Exchange, locks, deps.Notifier, logger)

	deps.Sweeper = pipeline.NewSweeper(pipeline.SweepConfig{
		Symbol:            symbol,
		Interval:          cfg.Triggers.SweepInterval.Duration,
		DailyLossLimitPct: cfg.Trading.DailyLossLimitPct,
		MarginRatioLimit:  cfg.Trading.MarginRatioLimit,
		EmergencyCooldown: cfg.Triggers.EmergencyCooldown.Duration,
	}, deps.ExitMgr, sched, deps.Recon, deps.Feed, deps.Feed, deps.Exchange, deps.Executor, deps.Runner, logger)

	return deps, cleanup, nil
}
