package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vertexbook/engine/params"
	"github.com/vertexbook/engine/pkg/api"
	"github.com/vertexbook/engine/pkg/feed"
	"github.com/vertexbook/engine/pkg/liquidation"
	"github.com/vertexbook/engine/pkg/margin"
	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/order"
	"github.com/vertexbook/engine/pkg/position"
	"github.com/vertexbook/engine/pkg/risk"
	"github.com/vertexbook/engine/pkg/storage"
	"github.com/vertexbook/engine/pkg/symbol"
	"github.com/vertexbook/engine/pkg/trigger"
	"github.com/vertexbook/engine/pkg/util"
	"github.com/vertexbook/engine/pkg/wallet"
)

func main() {
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/engine.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("logger_initialized", zap.String("log_file", logFile))

	// ---- Symbols ----
	registry := symbol.NewRegistry()
	if err := registry.LoadCatalogue(cfg.CatalogueFile); err != nil {
		logger.Fatal("catalogue_load_failed", zap.Error(err))
	}

	// ---- Storage ----
	kv, err := storage.OpenKVStore(cfg.PebblePath)
	if err != nil {
		logger.Fatal("kv_store_open_failed", zap.Error(err))
	}
	defer kv.Close()

	var rel *storage.RelationalStore
	if cfg.MySQLDSN != "" {
		rel, err = storage.OpenRelationalStore(cfg.MySQLDSN)
		if err != nil {
			logger.Fatal("relational_store_open_failed", zap.Error(err))
		}
		defer rel.Close()
	} else {
		logger.Warn("mysql_dsn_unset_durable_reporting_disabled")
	}
	orderStore := storage.NewOrderStore(kv, rel)

	// ---- Matching ----
	matchingEngine := matching.NewEngine()
	defer matchingEngine.Shutdown()
	enabledSymbols := registry.List(symbol.Filter{EnabledOnly: true})
	for _, sym := range enabledSymbols {
		matchingEngine.Register(sym)
		logger.Info("symbol_registered", zap.String("symbol", sym.Symbol))
	}

	// ---- Wallets & positions ----
	wallets := wallet.NewLedger()
	positions := position.NewManager()

	// ---- Order controller ----
	orderController := order.NewController(registry, matchingEngine, positions, wallets, order.DefaultFeeDecorator(), orderStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API server (started before the feed loop so ticks can publish) ----
	apiServer := api.NewServer(registry, matchingEngine, orderController, positions, wallets, cfg.Session, logger)
	apiHub := apiServer.Hub()

	go func() {
		logger.Info("api_server_starting", zap.String("addr", cfg.ListenAddr))
		if err := apiServer.Start(cfg.ListenAddr); err != nil {
			logger.Fatal("api_server_failed", zap.Error(err))
		}
	}()

	// ---- Price feed ----
	ticks := make(chan feed.Tick, 1024)
	aggregator := feed.NewAggregator(registry, cfg.Feed.OutlierThreshold, cfg.Feed.StaleAfter,
		feed.MarkRule(cfg.Feed.MarkPriceRule), bookMidFn(matchingEngine))

	aggregator.SetFailoverHook(func(sym string, from, to symbol.Source) {
		logger.Warn("feed_failover", zap.String("symbol", sym), zap.String("from", string(from)), zap.String("to", string(to)))
	})

	for _, src := range distinctSources(enabledSymbols) {
		sourceMap := sourceSymbolMap(registry, enabledSymbols, src)
		if len(sourceMap) == 0 {
			continue
		}
		if wsURL := os.Getenv(string(src) + "_WS_URL"); wsURL != "" {
			adapter := feed.NewWebSocketAdapter(src, wsURL)
			adapter.SetMaxReconnectHook(func(s symbol.Source) {
				logger.Error("feed_max_reconnect", zap.String("source", string(s)))
			})
			go adapter.Run(ctx, sourceMap, ticks)
			logger.Info("feed_adapter_started", zap.String("source", string(src)), zap.String("transport", "websocket"), zap.Int("symbols", len(sourceMap)))
			continue
		}
		adapter := feed.NewPollAdapter(src, os.Getenv(string(src)+"_BASE_URL"), cfg.Feed.ThrottleInterval)
		go adapter.Run(ctx, sourceMap, ticks)
		logger.Info("feed_adapter_started", zap.String("source", string(src)), zap.String("transport", "poll"), zap.Int("symbols", len(sourceMap)))
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticks:
				aggregator.Ingest(t)
			}
		}
	}()
	go aggregator.RunPublishLoop(ctx, cfg.Feed.ThrottleInterval, func(sym string, mark decimal.Decimal) {
		apiHub.Publish("mark_price", sym, map[string]string{"price": mark.String()})
	})
	go aggregator.RunHealthLoop(ctx, cfg.Feed.HealthInterval)

	// ---- Position mark refresh ----
	go positions.RunMarkRefreshLoop(ctx, cfg.Feed.ThrottleInterval, aggregator.MarkPrice)

	// ---- Trigger monitor ----
	triggerMonitor := trigger.NewMonitor(matchingEngine, cfg.Trigger.PollInterval, func(res trigger.FireResult) {
		logger.Info("trigger_fired", zap.String("spec", res.Spec.ID), zap.String("symbol", res.Spec.Symbol))
		orderController.HandleTriggerFire(ctx, res)
	})
	orderController.SetTriggerMonitor(triggerMonitor)
	go triggerMonitor.Run(ctx, aggregator.MarkPrice)

	// ---- Liquidation engine ----
	insuranceFund := liquidation.NewFund()
	liquidationEngine := liquidation.NewEngine(liquidation.Config{
		MarginCallRatio:           cfg.Risk.MarginCallRatio,
		LiquidationRatio:          cfg.Risk.LiquidationRatio,
		LiquidationFeeRate:        decimalFromFloat(cfg.Risk.LiquidationFeeRate),
		MonitorInterval:           cfg.Risk.MonitorInterval,
		ProcessorInterval:         cfg.Risk.ProcessorInterval,
		MaxConcurrentLiquidations: cfg.Risk.MaxConcurrentLiquidations,
	}, positions, wallets, matchingEngine, margin.DefaultTiers, insuranceFund)
	go liquidationEngine.RunMonitor(ctx)
	go liquidationEngine.RunProcessor(ctx)

	// ---- Risk monitor ----
	riskMonitor := risk.NewMonitor(risk.Config{
		MarginCallRatio:  cfg.Risk.MarginCallRatio,
		LiquidationRatio: cfg.Risk.LiquidationRatio,
		ADLRatio:         cfg.Risk.ADLRatio,
		MonitorInterval:  cfg.Risk.MonitorInterval,
	}, positions, liquidationEngine.Ratio)
	go riskMonitor.Run(ctx)

	logger.Info("engine_started", zap.Int("symbols", len(enabledSymbols)))
	<-ctx.Done()
	logger.Info("engine_shutting_down")
}
