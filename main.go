package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"signal-engine/internal/api"
	"signal-engine/internal/balance"
	"signal-engine/internal/coordinator"
	"signal-engine/internal/data"
	"signal-engine/internal/engine"
	"signal-engine/internal/events"
	"signal-engine/internal/health"
	"signal-engine/internal/indicators"
	"signal-engine/internal/market"
	"signal-engine/internal/monitor"
	"signal-engine/internal/order"
	"signal-engine/internal/persistence"
	"signal-engine/internal/reconciliation"
	"signal-engine/internal/risk"
	"signal-engine/internal/session"
	"signal-engine/internal/state"
	"signal-engine/internal/strategy"
	"signal-engine/internal/tasks"
	"signal-engine/pkg/cache"
	"signal-engine/pkg/config"
	"signal-engine/pkg/crypto"
	"signal-engine/pkg/db"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/i18n"
	"signal-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("open database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal("apply migrations", zap.Error(err))
	}

	bus := events.NewBus()
	defer bus.Close()
	reg := tasks.NewRegistry(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Venue credentials are sealed at rest; open them here so bad key
	// material fails the boot, not the first live order.
	venueKey, venueSecret := cfg.VenueAPIKey, cfg.VenueAPISecret
	if cfg.CredentialKey != "" {
		keyring, err := crypto.NewKeyring(cfg.CredentialKey)
		if err != nil {
			log.Fatal("credential keyring", zap.Error(err))
		}
		if crypto.ParseVersion(venueKey) > 0 {
			if venueKey, err = keyring.Open(venueKey); err != nil {
				log.Fatal("open venue api key", zap.Error(err))
			}
		}
		if crypto.ParseVersion(venueSecret) > 0 {
			if venueSecret, err = keyring.Open(venueSecret); err != nil {
				log.Fatal("open venue api secret", zap.Error(err))
			}
		}
		log.Info("venue credentials unsealed", zap.Int("key_version", keyring.CurrentVersion()))
	}
	if cfg.DefaultMode == session.ModeLive && (venueKey == "" || venueSecret == "") {
		log.Warn("live is the default mode but no venue credentials are configured, orders route to the paper venue")
	}

	quotes := cache.NewShardedQuoteCache()

	indCfg := indicators.DefaultConfig()
	indCfg.TTLFloor = cfg.IndicatorTTLFloor
	indCfg.SweepInterval = cfg.IndicatorSweepInterval
	indCfg.MaxEntries = cfg.IndicatorMaxEntries
	indCfg.MaxBytes = cfg.IndicatorMemoryCeiling
	indCfg.PressureRatio = cfg.MemoryPressureRatio
	indCfg.VariantGrace = cfg.VariantGracePeriod
	ind := indicators.NewEngine(indCfg, log)

	res := coordinator.New(cfg.SignalSlotCapacity, log)
	book := state.NewManager(database, bus, log)
	funds := balance.NewManager(cfg.PaperInitialBalance, nil, log)

	venue := exchange.NewPaperAdapter(quotes, exchange.SimConfig{
		FeeRate:      cfg.PaperFeeRate,
		SlippageBps:  cfg.PaperSlippageBps,
		LatencyMinMs: cfg.PaperLatencyMinMs,
		LatencyMaxMs: cfg.PaperLatencyMaxMs,
	})

	var queue order.Queuer
	if cfg.EnableOrderWAL {
		wal, err := order.NewWALQueue(cfg.OrderWALPath, 256, log)
		if err != nil {
			log.Warn("order wal unavailable, falling back to memory queue", zap.Error(err))
			queue = order.NewQueue(256)
		} else {
			queue = wal
			log.Info("order wal enabled", zap.String("dir", cfg.OrderWALPath))
		}
	} else {
		queue = order.NewQueue(256)
	}

	recon := reconciliation.NewService(
		reconciliation.Config{Interval: cfg.ReconcileInterval},
		reconciliation.Deps{Venue: venue, Book: book, Bus: bus, Tasks: reg, Log: log},
	)
	riskMgr := risk.NewManager(risk.DefaultLimits(), risk.Deps{
		Book:   book,
		Margin: recon,
		Bus:    bus,
		Log:    log,
	})
	guard := risk.NewGuard(riskMgr, book, bus, log)
	mon := monitor.New(monitor.Config{}, bus, log)

	gw := order.NewGateway(
		order.GatewayConfig{
			SubmitTimeout: cfg.OrderSubmitTimeout,
			MaxRetries:    cfg.OrderMaxRetries,
		},
		order.GatewayDeps{
			Venue:   venue,
			Pacer:   exchange.NewPacer(cfg.SubmitRatePerSec),
			Breaker: order.NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerCooldown, cfg.BreakerProbeSuccess, log),
			Book:    book,
			Funds:   funds,
			Store:   database,
			Bus:     bus,
			Tasks:   reg,
			Log:     log,
		},
	)
	executor := order.NewExecutor(
		order.ExecutorConfig{Workers: 4, FeeRate: cfg.PaperFeeRate},
		order.ExecutorDeps{
			Gateway: gw,
			Queue:   queue,
			Funds:   funds,
			Risk:    riskMgr,
			Store:   database,
			Bus:     bus,
			Tasks:   reg,
			Log:     log,
		},
	)

	sessions := session.NewManager(database, bus, log)
	strategies := strategy.NewCoordinator(strategy.Config{}, strategy.Deps{
		Indicators: ind,
		Resources:  res,
		Book:       book,
		Store:      database,
		Bus:        bus,
		Tasks:      reg,
		Metrics:    mon.Metrics(),
		Log:        log,
	})

	var feed market.Feed
	var history data.Source
	switch {
	case cfg.UseMockFeed:
		feed = &market.MockFeed{Symbols: cfg.Symbols, StartPrice: 100, Interval: time.Second}
		history = data.NewSyntheticSource(time.Second)
		log.Info("mock feed enabled", zap.Strings("symbols", cfg.Symbols))
	case cfg.FeedWSURL != "":
		feed = &market.StreamFeed{URL: cfg.FeedWSURL, Symbols: cfg.Symbols, Log: log}
		history = data.NewDBSource(database)
		log.Info("venue stream feed enabled", zap.String("url", cfg.FeedWSURL))
	default:
		feed = market.NewIngress(1024)
		history = data.NewDBSource(database)
		log.Warn("no venue stream configured, market ingress accepts pushed ticks only")
	}
	writer := persistence.NewBatchWriter(database, 256, time.Second, log)

	eng := engine.New(engine.Deps{
		Cfg:     cfg,
		Version: version,
		Log:     log,

		Store: database,
		Bus:   bus,
		Tasks: reg,

		Quotes:     quotes,
		Indicators: ind,
		Resources:  res,
		Book:       book,
		Funds:      funds,

		Executor: executor,
		Queue:    queue,

		Recon:   recon,
		Risk:    riskMgr,
		Guard:   guard,
		Monitor: mon,

		Sessions:   sessions,
		Strategies: strategies,

		Feed:    feed,
		History: history,
		Writer:  writer,
	})

	healthLis, err := net.Listen("tcp", cfg.HealthGRPCAddr)
	if err != nil {
		log.Fatal("health listener", zap.String("addr", cfg.HealthGRPCAddr), zap.Error(err))
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatal("engine start", zap.Error(err))
	}

	server := api.NewServer(api.Config{JWTSecret: cfg.JWTSecret}, eng, bus, database, log)
	if err := reg.Go(ctx, "api", func(taskCtx context.Context) error {
		return server.Run(taskCtx, ":"+cfg.Port)
	}); err != nil {
		log.Fatal("start api task", zap.Error(err))
	}

	healthSrv := health.NewServer(eng.Serving, 0, log)
	if err := reg.Go(ctx, "health", func(taskCtx context.Context) error {
		return healthSrv.Run(taskCtx, healthLis)
	}); err != nil {
		log.Fatal("start health task", zap.Error(err))
	}

	log.Info("signal engine up",
		zap.String("version", version),
		zap.String("http", ":"+cfg.Port),
		zap.String("health_grpc", cfg.HealthGRPCAddr),
		zap.String("default_mode", cfg.DefaultMode),
		zap.Strings("symbols", cfg.Symbols))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Error("shutdown finished with errors", zap.Error(err))
	}
}
