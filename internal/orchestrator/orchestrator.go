// Package orchestrator wires the per-symbol pipelines together and drives
// them from a single tick loop: risk gate, fetch, position checks, health
// supervision and graceful shutdown.
package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/automation"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/broker"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/execution"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/market"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/metrics"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/monitor"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/regime"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/risk"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/service"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/strategy"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/workers"
)

// Service is the lifecycle contract every supervised pipeline service
// satisfies through its embedded base.
type Service interface {
	Name() string
	Start() error
	Stop()
	State() service.State
	HealthCheck() service.HealthReport
}

// Config holds the orchestrator's loop settings.
type Config struct {
	TickInterval        time.Duration `json:"tick_interval"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	RiskCheckInterval   time.Duration `json:"risk_check_interval"`
	AutoRestart         bool          `json:"auto_restart"`
	RestartDelay        time.Duration `json:"restart_delay"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:        time.Second,
		HealthCheckInterval: 30 * time.Second,
		RiskCheckInterval:   10 * time.Second,
		AutoRestart:         true,
		RestartDelay:        time.Second,
	}
}

// SymbolServices is one symbol's pipeline bundle. Start order is data to
// monitor; stop order is the reverse.
type SymbolServices struct {
	Symbol     string
	Fetcher    *market.Fetcher
	Indicators *regime.Engine
	Evaluator  *strategy.Evaluator
	Executor   *execution.Executor
	Monitor    *monitor.Monitor
}

// startOrder returns the services in dependency order.
func (s *SymbolServices) startOrder() []Service {
	return []Service{s.Fetcher, s.Indicators, s.Evaluator, s.Executor, s.Monitor}
}

// stopOrder returns the services in reverse dependency order.
func (s *SymbolServices) stopOrder() []Service {
	return []Service{s.Monitor, s.Executor, s.Evaluator, s.Indicators, s.Fetcher}
}

// Orchestrator owns the engine-wide services and the driver loop. The
// pipeline itself runs synchronously on the driver goroutine; only the
// toggle watcher, the risk scheduler and restart jobs run elsewhere.
type Orchestrator struct {
	logger *zap.Logger
	bus    *events.Bus
	config Config

	broker     broker.Broker
	guard      *risk.Guard
	automation *automation.Manager
	watcher    *automation.Watcher
	pool       *workers.Pool

	bundles []*SymbolServices

	// tickHook runs at the top of every tick, before fetching. The entry
	// point uses it to advance the sim feed and mark broker prices.
	tickHook func()

	running atomic.Bool
	halted  atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopMu  sync.Mutex
}

// New creates the orchestrator. Watcher may be nil when the file toggle is
// disabled.
func New(
	logger *zap.Logger,
	bus *events.Bus,
	brk broker.Broker,
	guard *risk.Guard,
	autoMgr *automation.Manager,
	watcher *automation.Watcher,
	pool *workers.Pool,
	bundles []*SymbolServices,
	config Config,
) *Orchestrator {
	def := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = def.HealthCheckInterval
	}
	if config.RiskCheckInterval <= 0 {
		config.RiskCheckInterval = def.RiskCheckInterval
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = def.RestartDelay
	}

	return &Orchestrator{
		logger:     logger.Named("orchestrator"),
		bus:        bus,
		config:     config,
		broker:     brk,
		guard:      guard,
		automation: autoMgr,
		watcher:    watcher,
		pool:       pool,
		bundles:    bundles,
	}
}

// SetTickHook installs a function invoked at the start of every tick.
func (o *Orchestrator) SetTickHook(hook func()) { o.tickHook = hook }

// Start brings up the engine-wide services, then every symbol bundle in
// configured order, then launches the driver loop. A failure during one
// symbol's startup stops that symbol's already-started services and aborts;
// previously started symbols are left for the caller's Stop.
func (o *Orchestrator) Start() error {
	if o.running.Swap(true) {
		return fmt.Errorf("orchestrator already running")
	}

	o.pool.Start()

	if o.automation != nil {
		if err := o.automation.Start(); err != nil {
			o.running.Store(false)
			return fmt.Errorf("start automation manager: %w", err)
		}
	}
	if o.watcher != nil {
		if err := o.watcher.Start(); err != nil {
			o.running.Store(false)
			return fmt.Errorf("start toggle watcher: %w", err)
		}
	}
	if o.guard != nil {
		if err := o.guard.Start(); err != nil {
			o.running.Store(false)
			return fmt.Errorf("start risk guard: %w", err)
		}
	}

	for _, bundle := range o.bundles {
		if err := o.startBundle(bundle); err != nil {
			o.running.Store(false)
			return fmt.Errorf("start symbol %s: %w", bundle.Symbol, err)
		}
	}

	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	go o.run(o.stopCh, o.doneCh)

	o.logger.Info("Orchestrator started",
		zap.Int("symbols", len(o.bundles)),
		zap.Duration("tick_interval", o.config.TickInterval),
	)
	return nil
}

func (o *Orchestrator) startBundle(bundle *SymbolServices) error {
	started := make([]Service, 0, 5)
	for _, svc := range bundle.startOrder() {
		if err := svc.Start(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].Stop()
			}
			return fmt.Errorf("service %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}
	return nil
}

// run is the driver loop. One iteration per tick: risk gate, per-symbol
// fetch plus position checks with isolation, health supervision, then a
// drift-compensated sleep.
func (o *Orchestrator) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	var lastRiskCheck, lastHealthCheck time.Time

	for {
		t0 := time.Now()

		if o.tickHook != nil {
			o.tickHook()
		}

		if o.guard != nil && time.Since(lastRiskCheck) >= o.config.RiskCheckInterval {
			lastRiskCheck = time.Now()
			o.updateRiskMetrics()
			if !o.guard.IsTradingAllowed() {
				o.haltTrading()
				return
			}
		}

		for _, bundle := range o.bundles {
			o.tickSymbol(bundle)
		}

		if time.Since(lastHealthCheck) >= o.config.HealthCheckInterval {
			lastHealthCheck = time.Now()
			o.healthCheck()
		}

		elapsed := time.Since(t0)
		metrics.TickDuration.Observe(elapsed.Seconds())

		sleep := o.config.TickInterval - elapsed
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-stopCh:
			return
		case <-time.After(sleep):
		}
	}
}

// tickSymbol drives one symbol's fetch and position check. Panics are
// contained so one symbol cannot abort the others' work within the tick.
func (o *Orchestrator) tickSymbol(bundle *SymbolServices) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Symbol tick panicked",
				zap.String("symbol", bundle.Symbol),
				zap.Any("panic", r),
			)
		}
	}()

	bundle.Fetcher.Fetch()

	if bundle.Monitor.State() == service.StateRunning {
		bundle.Monitor.CheckPositions()
	}
}

func (o *Orchestrator) updateRiskMetrics() {
	balance, err := o.broker.Balance()
	if err != nil {
		o.logger.Warn("Risk balance lookup failed", zap.Error(err))
		return
	}
	positions, err := o.broker.OpenPositions()
	if err != nil {
		o.logger.Warn("Risk position lookup failed", zap.Error(err))
		return
	}

	exposure := decimal.Zero
	for _, pos := range positions {
		exposure = exposure.Add(pos.Volume.Mul(decimal.NewFromFloat(pos.PriceOpen)))
	}
	o.guard.UpdateAccountMetrics(balance, len(positions), exposure)
}

// haltTrading stops execution and evaluation for every symbol and leaves
// the driver loop. Data and indicator services keep their state but are no
// longer driven.
func (o *Orchestrator) haltTrading() {
	if o.halted.Swap(true) {
		return
	}
	o.logger.Warn("Trading halted by risk guard",
		zap.String("status", string(o.guard.Status())),
	)
	for _, bundle := range o.bundles {
		bundle.Executor.Stop()
		bundle.Evaluator.Stop()
	}
}

// healthCheck collects every service's report, exports the health gauge
// and restarts unhealthy services through the worker pool when enabled.
func (o *Orchestrator) healthCheck() {
	var unhealthy []Service

	for _, bundle := range o.bundles {
		for _, svc := range bundle.startOrder() {
			report := svc.HealthCheck()
			gauge := 0.0
			if report.Healthy {
				gauge = 1
			}
			metrics.ServiceHealthy.WithLabelValues(report.Service).Set(gauge)

			if !report.Healthy && report.Status != service.StateStopped {
				o.logger.Warn("Service unhealthy",
					zap.String("service", report.Service),
					zap.String("status", string(report.Status)),
					zap.String("last_error", report.LastError),
				)
				unhealthy = append(unhealthy, svc)
			}
		}
	}

	if !o.config.AutoRestart {
		return
	}
	for _, svc := range unhealthy {
		o.restart(svc)
	}
}

// restart bounces one service on the worker pool, waiting for completion
// so the next tick sees the final state.
func (o *Orchestrator) restart(svc Service) {
	err := o.pool.SubmitWait(workers.TaskFunc(func() error {
		o.logger.Info("Restarting service", zap.String("service", svc.Name()))
		svc.Stop()
		time.Sleep(o.config.RestartDelay)
		return svc.Start()
	}))
	if err != nil {
		o.logger.Error("Service restart failed",
			zap.String("service", svc.Name()),
			zap.Error(err),
		)
	}
}

// Stop shuts the engine down: driver first, then services in reverse
// dependency order per symbol, then the engine-wide pieces. Idempotent.
func (o *Orchestrator) Stop() {
	o.stopMu.Lock()
	defer o.stopMu.Unlock()

	if !o.running.Swap(false) {
		return
	}

	if o.stopCh != nil {
		close(o.stopCh)
		<-o.doneCh
	}

	for _, bundle := range o.bundles {
		for _, svc := range bundle.stopOrder() {
			svc.Stop()
		}
	}

	if o.watcher != nil {
		o.watcher.Stop()
	}
	if o.automation != nil {
		o.automation.Stop()
	}
	if o.guard != nil {
		o.guard.Stop()
	}
	o.pool.Stop()

	o.logger.Info("Orchestrator stopped")
}

// IsRunning reports whether the driver loop is live.
func (o *Orchestrator) IsRunning() bool { return o.running.Load() && !o.halted.Load() }

// IsHalted reports whether the risk guard stopped the loop.
func (o *Orchestrator) IsHalted() bool { return o.halted.Load() }

// HealthSnapshot returns the current health report of every pipeline
// service, grouped by symbol.
func (o *Orchestrator) HealthSnapshot() map[string][]service.HealthReport {
	out := make(map[string][]service.HealthReport, len(o.bundles))
	for _, bundle := range o.bundles {
		reports := make([]service.HealthReport, 0, 5)
		for _, svc := range bundle.startOrder() {
			reports = append(reports, svc.HealthCheck())
		}
		out[bundle.Symbol] = reports
	}
	return out
}

// Regimes returns the last committed regime per symbol and timeframe.
func (o *Orchestrator) Regimes() map[string]map[string]string {
	out := make(map[string]map[string]string, len(o.bundles))
	for _, bundle := range o.bundles {
		frames := make(map[string]string)
		for _, tf := range bundle.Indicators.Timeframes() {
			frames[tf] = string(bundle.Indicators.CommittedRegime(tf))
		}
		out[bundle.Symbol] = frames
	}
	return out
}

// Bundles returns the configured symbol bundles in driver order.
func (o *Orchestrator) Bundles() []*SymbolServices { return o.bundles }
