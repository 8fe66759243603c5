package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"signal-engine/internal/balance"
	"signal-engine/internal/coordinator"
	"signal-engine/internal/data"
	"signal-engine/internal/engine"
	"signal-engine/internal/events"
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
	"signal-engine/pkg/db"
	"signal-engine/pkg/exchange"
	"signal-engine/pkg/logger"
)

// paper_demo boots the full engine against the seeded mock feed and runs
// one paper session end to end. Nothing touches a real venue or a file
// on disk; the database is in memory and orders settle against the
// simulated paper venue.
//
// Usage (from the repo root):
//   go run ./scripts/paper_demo
//
// It will:
//   1) Start the engine with a mock BTC_USDT feed ticking every 200ms.
//   2) Open a paper session running ma_cross with a short lookback.
//   3) Trade for ~30 seconds, printing balance progress.
//   4) Stop the session and print signals, orders, fills, positions and
//      the final balance.

const demoSymbol = "BTC_USDT"

func main() {
	log.Println("=== paper demo starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// The demo pins everything that matters; only the paper balance and
	// fee rate come from the environment.
	cfg.Symbols = []string{demoSymbol}
	cfg.DefaultMode = session.ModePaper
	cfg.ExecutionEnabled = true
	cfg.WarmupWindow = 2 * time.Minute
	cfg.ReconcileInterval = 5 * time.Second

	zl, err := logger.NewLogger("warn")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	bus := events.NewBus()
	defer bus.Close()
	reg := tasks.NewRegistry(zl)

	quotes := cache.NewShardedQuoteCache()
	ind := indicators.NewEngine(indicators.DefaultConfig(), zl)
	res := coordinator.New(cfg.SignalSlotCapacity, zl)
	book := state.NewManager(database, bus, zl)
	funds := balance.NewManager(cfg.PaperInitialBalance, nil, zl)

	venue := exchange.NewPaperAdapter(quotes, exchange.SimConfig{
		FeeRate:     cfg.PaperFeeRate,
		SlippageBps: cfg.PaperSlippageBps,
	})
	queue := order.NewQueue(64)

	recon := reconciliation.NewService(
		reconciliation.Config{Interval: cfg.ReconcileInterval},
		reconciliation.Deps{Venue: venue, Book: book, Bus: bus, Tasks: reg, Log: zl},
	)
	riskMgr := risk.NewManager(risk.DefaultLimits(), risk.Deps{Book: book, Margin: recon, Bus: bus, Log: zl})
	guard := risk.NewGuard(riskMgr, book, bus, zl)
	mon := monitor.New(monitor.Config{}, bus, zl)

	gw := order.NewGateway(
		order.GatewayConfig{SubmitTimeout: 10 * time.Second, MaxRetries: 2},
		order.GatewayDeps{
			Venue:   venue,
			Pacer:   exchange.NewPacer(16),
			Breaker: order.NewBreaker(5, 10*time.Second, 2, zl),
			Book:    book,
			Funds:   funds,
			Store:   database,
			Bus:     bus,
			Tasks:   reg,
			Log:     zl,
		},
	)
	executor := order.NewExecutor(
		order.ExecutorConfig{Workers: 2, FeeRate: cfg.PaperFeeRate},
		order.ExecutorDeps{
			Gateway: gw,
			Queue:   queue,
			Funds:   funds,
			Risk:    riskMgr,
			Store:   database,
			Bus:     bus,
			Tasks:   reg,
			Log:     zl,
		},
	)

	sessions := session.NewManager(database, bus, zl)
	strategies := strategy.NewCoordinator(strategy.Config{}, strategy.Deps{
		Indicators: ind,
		Resources:  res,
		Book:       book,
		Store:      database,
		Bus:        bus,
		Tasks:      reg,
		Metrics:    mon.Metrics(),
		Log:        zl,
	})

	feed := &market.MockFeed{
		Symbols:    []string{demoSymbol},
		StartPrice: 100,
		Volatility: 0.004,
		Interval:   200 * time.Millisecond,
		Seed:       42,
	}
	writer := persistence.NewBatchWriter(database, 64, 500*time.Millisecond, zl)

	eng := engine.New(engine.Deps{
		Cfg:     cfg,
		Version: "paper-demo",
		Log:     zl,

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
		History: data.NewSyntheticSource(time.Second),
		Writer:  writer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("engine start: %v", err)
	}
	log.Printf("[STEP 1] engine up, %s ticking every %s", demoSymbol, feed.Interval)

	id, err := eng.StartSession(ctx, engine.StartRequest{
		Mode:    session.ModePaper,
		Symbols: []string{demoSymbol},
		Strategies: []strategy.InstanceConfig{{
			Type:   "ma_cross",
			Symbol: demoSymbol,
			Size:   0.5,
			Params: map[string]float64{"fast": 3, "slow": 8},
		}},
	})
	if err != nil {
		log.Fatalf("start session: %v", err)
	}
	log.Printf("[STEP 2] paper session %s running ma_cross fast=3 slow=8 size=0.5", id)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()
	deadline := time.After(30 * time.Second)

loop:
	for {
		select {
		case <-progress.C:
			price, _ := eng.LastPrice(ctx, demoSymbol)
			bal := eng.Balance(ctx)
			log.Printf("[STEP 3] last=%.4f total=%.2f available=%.2f locked=%.2f",
				price, bal.Total, bal.Available, bal.Locked)
		case <-deadline:
			break loop
		case <-sigCh:
			log.Println("[STEP 3] interrupted, wrapping up early")
			break loop
		}
	}

	if err := eng.StopSession(ctx, id); err != nil {
		log.Fatalf("stop session: %v", err)
	}
	log.Printf("[STEP 4] session %s stopped, final state:", id)

	signals, err := eng.SignalsBySession(ctx, id, 200)
	if err != nil {
		log.Fatalf("load signals: %v", err)
	}
	orders, err := eng.OrdersBySession(ctx, id, 200)
	if err != nil {
		log.Fatalf("load orders: %v", err)
	}
	fills, err := eng.FillsBySession(ctx, id, 200)
	if err != nil {
		log.Fatalf("load fills: %v", err)
	}
	log.Printf("  signals=%d orders=%d fills=%d", len(signals), len(orders), len(fills))

	shown := signals
	if len(shown) > 5 {
		shown = shown[:5]
	}
	for _, s := range shown {
		log.Printf("  signal %s %s @ %.4f (%s)", s.Action, s.Symbol, s.Price, s.Note)
	}
	for _, o := range orders {
		log.Printf("  order %s %s %s qty=%.4f filled=%.4f price=%.4f state=%s",
			short(o.ID), o.Side, o.Symbol, o.Qty, o.FilledQty, o.Price, o.State)
	}
	var fees float64
	for _, f := range fills {
		fees += f.Fee
	}
	for _, p := range eng.Positions(ctx) {
		log.Printf("  position %s qty=%.4f entry=%.4f mark=%.4f realized=%.4f unrealized=%.4f status=%s",
			p.Symbol, p.Qty, p.EntryPrice, p.MarkPrice, p.RealizedPnL, p.UnrealizedPnL, p.Status)
	}

	met := eng.RiskMetrics(ctx)
	bal := eng.Balance(ctx)
	log.Printf("  risk checks=%d vetoes=%d daily_trades=%d realized_pnl=%.4f fees=%.4f",
		met.Checks, met.Vetoes, met.DailyTrades, met.RealizedPnL, fees)
	log.Printf("  balance total=%.2f available=%.2f locked=%.2f (started %.2f)",
		bal.Total, bal.Available, bal.Locked, cfg.PaperInitialBalance)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Printf("engine stop: %v", err)
	}
	log.Println("=== paper demo finished ===")
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
