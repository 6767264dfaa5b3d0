// Package main is the trading engine entry point: it loads configuration,
// builds the per-symbol pipelines on a shared event bus and runs the
// orchestrator until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/api"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/automation"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/broker"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/config"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/execution"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/market"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/metrics"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/monitor"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/orchestrator"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/regime"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/risk"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/strategy"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/workers"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/utils"
)

func main() {
	configPath := flag.String("config", "", "Path to engine.yaml (optional)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	// A missing .env is fine; environment overrides stay optional.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger := setupLogger(level, cfg.Logging.Development)
	defer logger.Sync()

	logger.Info("Starting trading engine",
		zap.Int("symbols", len(cfg.Symbols)),
		zap.Duration("tick_interval", cfg.Engine.TickInterval),
	)

	bus := events.NewBus(logger, events.BusConfig{HistoryLimit: cfg.Engine.EventHistoryLimit})
	metrics.Observe(bus)
	if cfg.Engine.LogAllEvents {
		eventLogger := logger.Named("events")
		bus.SubscribeAll(func(e events.Event) error {
			eventLogger.Debug("Event", zap.String("type", string(e.GetType())), zap.String("id", e.GetID()))
			return nil
		})
	}

	paper := broker.NewPaperBroker(logger, broker.PaperConfig{
		StartingBalance:  decimal.NewFromFloat(cfg.Broker.StartingBalance),
		SpreadBps:        cfg.Broker.SpreadBps,
		SlippageBps:      cfg.Broker.SlippageBps,
		CommissionPerLot: decimal.NewFromFloat(cfg.Broker.CommissionPerLot),
		LotStep:          decimal.NewFromFloat(cfg.Broker.LotStep),
		MinVolume:        decimal.NewFromFloat(cfg.Broker.MinVolume),
		MaxOrderVolume:   decimal.NewFromInt(1),
		ContractSize:     decimal.NewFromFloat(cfg.Broker.ContractSize),
		MaxOpenPositions: cfg.Risk.MaxPositions,
	})

	source := market.NewSimSource(market.DefaultSimConfig(), time.Now().UTC())
	for _, sym := range cfg.Symbols {
		if sym.InitialPrice > 0 {
			paper.SetPrice(sym.Symbol, sym.InitialPrice)
		}
	}

	autoMgr := automation.NewManager(logger, bus, automation.ManagerConfig{
		StateFile:      cfg.Automation.StatePath,
		DefaultEnabled: cfg.Automation.Enabled,
		BackupCount:    cfg.Automation.BackupCount,
	})

	var watcher *automation.Watcher
	if cfg.Automation.FileWatcherEnabled {
		watcher = automation.NewWatcher(logger, bus, automation.WatcherConfig{
			ToggleFile:        cfg.Automation.TogglePath,
			ActionLogFile:     cfg.Automation.ActionLogPath,
			PollInterval:      cfg.Automation.PollInterval,
			ActionLogMaxBytes: cfg.Automation.ActionLogMaxBytes,
			ActionLogKeep:     cfg.Automation.ActionLogKeep,
		})
	}

	guard, err := risk.NewGuard(logger, bus, paper, risk.GuardConfig{
		DailyLossLimit:         decimal.NewFromFloat(cfg.Risk.DailyLossLimit),
		MaxDrawdownPct:         cfg.Risk.MaxDrawdownPct,
		ClosePositionsOnBreach: cfg.Risk.ClosePositionsOnBreach,
		StopTradingOnBreach:    cfg.Risk.StopTradingOnBreach,
		Timezone:               cfg.Risk.Timezone,
		DailyResetCron:         cfg.Risk.DailyResetCron,
		RefreshCron:            cfg.Risk.RefreshCron,
		SchedulerEnabled:       true,
	})
	if err != nil {
		logger.Fatal("Risk guard setup failed", zap.Error(err))
	}

	store, err := monitor.NewMsgpackStore(cfg.Monitor.TargetStorePath)
	if err != nil {
		logger.Fatal("Target store setup failed", zap.Error(err))
	}

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("engine"))

	bundles := make([]*orchestrator.SymbolServices, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		bundle, err := buildSymbol(logger, bus, source, paper, autoMgr, store, cfg, sym)
		if err != nil {
			logger.Fatal("Symbol setup failed",
				zap.String("symbol", sym.Symbol),
				zap.Error(err),
			)
		}
		bundles = append(bundles, bundle)
	}

	orch := orchestrator.New(logger, bus, paper, guard, autoMgr, watcher, pool, bundles, orchestrator.Config{
		TickInterval:        cfg.Engine.TickInterval,
		HealthCheckInterval: cfg.Engine.HealthCheckInterval,
		AutoRestart:         cfg.Engine.AutoRestart,
		RestartDelay:        cfg.Engine.RestartDelay,
	})

	// Advance the sim feed one bar per tick and mark broker prices from the
	// freshest close so the monitor and P&L track the stream.
	orch.SetTickHook(func() {
		for _, sym := range cfg.Symbols {
			closes := source.Advance(sym.Symbol, sym.Timeframes)
			if c, ok := closes[sym.Timeframes[0]]; ok {
				paper.SetPrice(sym.Symbol, c)
			}
		}
	})

	hub := api.NewHub(logger, bus, pool)
	server := api.NewServer(logger, bus, orch, autoMgr, guard, paper, hub, api.ServerConfig{
		Host:       cfg.API.Host,
		Port:       cfg.API.Port,
		EnableCORS: cfg.API.EnableCORS,
	})

	if err := orch.Start(); err != nil {
		logger.Fatal("Orchestrator start failed", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	logger.Info("Engine running",
		zap.String("api", fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received")

	orch.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", zap.Error(err))
	}

	logger.Info("Engine stopped")
}

// buildSymbol wires one symbol's five pipeline services.
func buildSymbol(
	logger *zap.Logger,
	bus *events.Bus,
	source market.Source,
	paper *broker.PaperBroker,
	autoMgr *automation.Manager,
	store monitor.TargetStore,
	cfg *config.Config,
	sym config.SymbolConfig,
) (*orchestrator.SymbolServices, error) {
	fetcherCfg := market.DefaultFetcherConfig(sym.Symbol, sym.Timeframes)
	if sym.CandleIndex > 0 {
		fetcherCfg.CandleIndex = sym.CandleIndex
	}
	if sym.NbrBars > 0 {
		fetcherCfg.NbrBars = sym.NbrBars
	}
	fetcher := market.NewFetcher(logger, bus, source, fetcherCfg)

	classifierCfg := regime.DefaultClassifierConfig()
	classifierCfg.WarmupBars = cfg.Regime.WarmupBars
	classifierCfg.BBThresholdLen = cfg.Regime.BBThresholdLen
	classifierCfg.PersistBars = cfg.Regime.PersistBars
	classifierCfg.TransitionBars = cfg.Regime.TransitionBars
	if sym.HTFTimeframe != "" {
		minutes, err := utils.TimeframeMinutes(sym.HTFTimeframe)
		if err != nil {
			return nil, fmt.Errorf("htf timeframe: %w", err)
		}
		classifierCfg.HTFMinutes = minutes
	}

	engineCfg := regime.DefaultEngineConfig(sym.Symbol, sym.Timeframes)
	engineCfg.FrameCapacity = cfg.Regime.FrameCapacity
	engineCfg.Classifier = classifierCfg
	indicatorEngine := regime.NewEngine(logger, bus, source, engineCfg)

	strategies, err := buildStrategies(sym)
	if err != nil {
		return nil, err
	}

	managerCfg := strategy.DefaultManagerConfig(sym.Symbol)
	managerCfg.RiskPerTradePct = cfg.Regime.RiskPerTrade
	managerCfg.ContractSize = decimal.NewFromFloat(cfg.Broker.ContractSize)
	managerCfg.LotStep = decimal.NewFromFloat(cfg.Broker.LotStep)
	managerCfg.MinVolume = decimal.NewFromFloat(cfg.Broker.MinVolume)
	managerCfg.MaxPositionSize = decimal.NewFromFloat(cfg.Risk.MaxPositionSize)

	evaluator := strategy.NewEvaluator(
		logger, bus,
		strategy.NewCompositeEngine(strategies...),
		strategy.NewEntryManager(managerCfg),
		paper, autoMgr,
		strategy.DefaultEvaluatorConfig(sym.Symbol),
	)

	executorCfg := execution.DefaultExecutorConfig(sym.Symbol)
	executorCfg.Mode = execution.Mode(cfg.Execution.Mode)
	executor := execution.NewExecutor(logger, bus, paper, autoMgr, executorCfg)

	monitorCfg := monitor.DefaultConfig(sym.Symbol)
	monitorCfg.BrokerMinVolume = decimal.NewFromFloat(cfg.Broker.MinVolume)
	monitorCfg.LotStep = decimal.NewFromFloat(cfg.Broker.LotStep)
	monitorCfg.ContractSize = decimal.NewFromFloat(cfg.Broker.ContractSize)
	posMonitor := monitor.NewMonitor(logger, bus, paper, store, monitorCfg)

	return &orchestrator.SymbolServices{
		Symbol:     sym.Symbol,
		Fetcher:    fetcher,
		Indicators: indicatorEngine,
		Evaluator:  evaluator,
		Executor:   executor,
		Monitor:    posMonitor,
	}, nil
}

// buildStrategies maps configured strategy names onto the built-ins. The
// first timeframe is the evaluation frame.
func buildStrategies(sym config.SymbolConfig) ([]strategy.Strategy, error) {
	primary := sym.Timeframes[0]
	out := make([]strategy.Strategy, 0, len(sym.Strategies))
	for i, name := range sym.Strategies {
		magic := sym.Magic + int64(i)
		switch name {
		case "regime_momentum":
			out = append(out, strategy.NewRegimeMomentum(magic, primary))
		case "rsi_reversion":
			out = append(out, strategy.NewRSIReversion(magic, primary))
		default:
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
	}
	if len(out) == 0 {
		out = append(out, strategy.NewRegimeMomentum(sym.Magic, primary))
	}
	return out, nil
}

func setupLogger(level string, development bool) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: development,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
