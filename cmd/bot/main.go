package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"avi5/internal/alert"
	"avi5/internal/archive"
	"avi5/internal/bootstrap"
	"avi5/internal/calibration"
	"avi5/internal/core"
	"avi5/internal/exchange"
	"avi5/internal/infrastructure/health"
	"avi5/internal/infrastructure/metrics"
	"avi5/internal/lock"
	"avi5/internal/risk"
	"avi5/internal/store"
	"avi5/internal/strategy"
	"avi5/internal/trading"
	"avi5/internal/trading/fills"
	"avi5/internal/trading/order"
	"avi5/pkg/concurrency"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	defaultConfig := os.Getenv("APP_CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/bot.yaml"
	}
	configPath := flag.String("config", defaultConfig, "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("avi5 version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg, logger := app.Cfg, app.Logger

	logger.Info("Starting avi5 bot",
		"version", version,
		"symbols", cfg.Trading.Symbols,
		"interval", cfg.Trading.Interval,
		"research_mode", cfg.Trading.ResearchMode,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := store.OpenRedis(startCtx, string(cfg.Redis.DSN))
	if err != nil {
		logger.Fatal("Failed to connect redis", "error", err)
	}
	kv := store.NewRedisKV(redisClient)
	locker := lock.NewRedisLocker(redisClient, logger)

	db, err := store.OpenPostgres(string(cfg.DB.DSN), cfg.DB.PoolMinSize, cfg.DB.PoolMaxSize)
	if err != nil {
		logger.Fatal("Failed to connect database", "error", err)
	}
	signals := store.NewSignalStore(db)
	positions := store.NewPositionStore(db)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "events",
		MaxWorkers:  10,
		MaxCapacity: 1000,
	}, logger)
	defer pool.Stop()

	limiter := exchange.NewRateLimiter()
	signer := exchange.NewSigner(string(cfg.Bybit.APIKey), string(cfg.Bybit.APISecret), cfg.Bybit.RecvWindowMS)
	rest := exchange.NewRestClient(cfg.Bybit.RESTBaseURL, signer, limiter, logger)

	guard := risk.NewChurnGuard(kv, cfg.AntiChurnCooldown(), logger)
	riskMgr := risk.NewManager(riskLimits(cfg.Risk.MaxConcurrent, cfg.Risk.MaxTotalRiskR, cfg.Risk.MaxPositionsPerBase, cfg.Risk.PerSymbolRiskR), positions, guard, logger)

	thetaProvider := calibration.NewProvider(kv, decimal.NewFromFloat(cfg.Trading.DefaultTheta), logger)
	engine := strategy.NewEngine(strategy.EngineConfig{
		ATRWindow:     cfg.Trading.ATRWindow,
		ATRMultiplier: decimal.NewFromFloat(cfg.Trading.ATRMultiplier),
		MaxStake:      decimal.NewFromFloat(cfg.Trading.MaxStake),
	}, riskMgr, signals, thetaProvider, logger)
	feed := strategy.NewFeed(engine, logger)

	orderMgr := order.NewManager(order.Config{
		FreshnessGrace:     time.Duration(cfg.Order.FreshnessGraceSeconds) * time.Second,
		PollInterval:       time.Duration(cfg.Order.PollIntervalSeconds) * time.Second,
		OrderTimeout:       time.Duration(cfg.Order.TimeoutSeconds) * time.Second,
		FullFillRatio:      decimal.NewFromFloat(cfg.Order.FullFillRatio),
		MinFillRatioToOpen: decimal.NewFromFloat(cfg.Order.MinFillRatioToOpen),
	}, rest, signals, positions, riskMgr, kv, logger)

	if !cfg.Trading.ResearchMode {
		feed.OnSignal = func(ctx context.Context, sig *core.Signal) {
			id := sig.ID
			if err := pool.Submit(func() {
				if _, err := orderMgr.PlaceOrder(ctx, id); err != nil {
					logger.Warn("Signal execution failed", "signal_id", id, "error", err)
				}
			}); err != nil {
				logger.Error("Failed to schedule signal execution", "signal_id", id, "error", err)
			}
		}
	}

	fetcher := exchange.NewSnapshotFetcher(rest, logger)
	fetcher.OnKlines = func(symbol, interval string, candles []core.ConfirmedCandle) {
		feed.Seed(symbol, candles)
	}

	seedWindows(startCtx, rest, feed, cfg.Trading.Symbols, cfg.Trading.Interval, logger)

	publicWS := exchange.NewWSClient(exchange.WSConfig{
		URL:      cfg.Bybit.WSPublicURL,
		Limiter:  limiter,
		Pool:     pool,
		Resyncer: fetcher,
		KV:       kv,
		Logger:   logger,
	})
	privateWS := exchange.NewWSClient(exchange.WSConfig{
		URL:     cfg.Bybit.WSPrivateURL,
		Signer:  signer,
		Limiter: limiter,
		Pool:    pool,
		KV:      kv,
		Logger:  logger,
	})

	tracker := fills.NewTracker(positions, pool, logger)

	reconciler := trading.NewReconciler(trading.ReconcilerConfig{
		Interval:               time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second,
		CloseMissingOnExchange: cfg.Reconcile.CloseMissingOnExchange,
	}, rest, positions, locker, logger)

	calibrator := calibration.NewCalibrator(calibration.Config{
		TrainWindow:    time.Duration(cfg.Calibration.TrainDays) * 24 * time.Hour,
		OOSWindow:      time.Duration(cfg.Calibration.OOSDays) * 24 * time.Hour,
		TargetQuantile: cfg.Calibration.TargetQuantile,
		ThetaMin:       cfg.Calibration.ThetaMin,
		ThetaMax:       cfg.Calibration.ThetaMax,
		PSIThreshold:   cfg.Calibration.PSIThreshold,
	}, signals, kv, locker, logger)

	notifier := alert.NewNotifier(logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		notifier.AddChannel(alert.NewSlackChannel(string(cfg.Alerts.SlackWebhookURL)))
	}
	if cfg.Alerts.TelegramBotToken != "" {
		notifier.AddChannel(alert.NewTelegramChannel(string(cfg.Alerts.TelegramBotToken), cfg.Alerts.TelegramChatID))
	}

	healthMgr := health.NewManager(logger)
	healthMgr.Register("redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return redisClient.Ping(ctx).Err()
	})
	healthMgr.Register("postgres", func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Ping()
	})

	runners := []bootstrap.Runner{
		marketStreamRunner(publicWS, feed, publicTopics(cfg.Trading.Symbols, cfg.Trading.Interval), logger),
		fillStreamRunner(privateWS, tracker),
		serviceRunner(reconciler),
	}

	if cfg.Archive.Endpoint != "" {
		objectStore, err := archive.NewMinioStore(startCtx, archive.MinioConfig{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: string(cfg.Archive.AccessKey),
			SecretKey: string(cfg.Archive.SecretKey),
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			logger.Fatal("Failed to connect object store", "error", err)
		}
		archiver := archive.NewArchiver(archive.Config{
			Prefix:         cfg.Archive.Prefix,
			SignalRetain:   time.Duration(cfg.Archive.SignalRetainDays) * 24 * time.Hour,
			PositionRetain: time.Duration(cfg.Archive.PositionRetainDay) * 24 * time.Hour,
			BatchSize:      cfg.Archive.BatchSize,
			Interval:       time.Duration(cfg.Archive.IntervalMinutes) * time.Minute,
		}, objectStore, signals, positions, locker, logger)
		runners = append(runners, serviceRunner(archiver))
	} else {
		logger.Warn("Archive endpoint not configured, retention disabled")
	}

	runners = append(runners, calibrationRunner(calibrator, notifier, logger))

	if cfg.Telemetry.EnableMetrics {
		metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr, logger)
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			metricsSrv.Start()
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Stop(stopCtx)
		}))
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}

func riskLimits(maxConcurrent int, maxTotalRiskR float64, maxPerBase int, perSymbol map[string]float64) core.RiskLimits {
	limits := core.RiskLimits{
		MaxConcurrent:       maxConcurrent,
		MaxTotalRiskR:       decimal.NewFromFloat(maxTotalRiskR),
		MaxPositionsPerBase: maxPerBase,
		PerSymbolRiskR:      make(map[string]decimal.Decimal, len(perSymbol)),
	}
	for symbol, r := range perSymbol {
		limits.PerSymbolRiskR[symbol] = decimal.NewFromFloat(r)
	}
	return limits
}

func publicTopics(symbols []string, interval string) []string {
	topics := make([]string, 0, 2*len(symbols))
	for _, symbol := range symbols {
		topics = append(topics, fmt.Sprintf("kline.%s.%s", interval, symbol))
		topics = append(topics, fmt.Sprintf("orderbook.50.%s", symbol))
	}
	return topics
}

// seedWindows primes the candle windows from REST so the engine can
// evaluate the first live bar close.
func seedWindows(ctx context.Context, rest *exchange.RestClient, feed *strategy.Feed, symbols []string, interval string, logger core.ILogger) {
	for _, symbol := range symbols {
		candles, err := rest.GetKlines(ctx, symbol, interval, 200)
		if err != nil {
			logger.Warn("Failed to seed candle window", "symbol", symbol, "error", err)
			continue
		}
		feed.Seed(symbol, candles)
	}
}

func marketStreamRunner(ws *exchange.WSClient, feed *strategy.Feed, topics []string, logger core.ILogger) bootstrap.Runner {
	return bootstrap.RunnerFunc(func(ctx context.Context) error {
		defer ws.Close()
		if err := ws.Connect(ctx); err != nil {
			return err
		}
		if err := ws.Subscribe(ctx, topics...); err != nil {
			return err
		}
		for ev := range ws.Listen(ctx) {
			if err := feed.HandleEvent(ctx, ev); err != nil {
				logger.Error("Market event handling failed", "channel", ev.Channel, "error", err)
			}
		}
		return ws.Err()
	})
}

func fillStreamRunner(ws *exchange.WSClient, tracker *fills.Tracker) bootstrap.Runner {
	return bootstrap.RunnerFunc(func(ctx context.Context) error {
		defer ws.Close()
		if err := ws.Connect(ctx); err != nil {
			return err
		}
		if err := ws.Subscribe(ctx, "user.order"); err != nil {
			return err
		}
		tracker.Run(ctx, ws.Listen(ctx))
		return ws.Err()
	})
}

// service is the Start/Stop lifecycle shared by the periodic jobs.
type service interface {
	Start(ctx context.Context) error
	Stop() error
}

func serviceRunner(s service) bootstrap.Runner {
	return bootstrap.RunnerFunc(func(ctx context.Context) error {
		if err := s.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return s.Stop()
	})
}

// calibrationRunner retrains daily and checks drift after each pass,
// alerting when the probability distribution shifts.
func calibrationRunner(c *calibration.Calibrator, notifier *alert.Notifier, logger core.ILogger) bootstrap.Runner {
	return bootstrap.RunnerFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				psi, ok, err := c.Calibrate(ctx)
				if err != nil {
					logger.Error("Calibration pass failed", "error", err)
					continue
				}
				if psi != nil && !ok {
					notifier.Notify(ctx, alert.Warning, "Probability drift detected",
						"The live probability distribution has shifted from the calibration baseline.",
						map[string]string{"psi": fmt.Sprintf("%.4f", *psi), "run_id": uuid.NewString()})
				}
			}
		}
	})
}
