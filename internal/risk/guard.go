// Package risk guards the account against daily loss and drawdown limits,
// halting trading and optionally flattening positions on breach.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/broker"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/utils"
)

// Status is the guard's state machine position.
type Status string

const (
	StatusActive            Status = "active"
	StatusDailyLossBreached Status = "daily_loss_breached"
	StatusDrawdownBreached  Status = "drawdown_breached"
	StatusManuallyStopped   Status = "manually_stopped"
	StatusRecovering        Status = "recovering"
)

// cronParser accepts the six-field form with a seconds column.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// GuardConfig configures the account risk guard. Cron specs use the
// six-field form (seconds first).
type GuardConfig struct {
	DailyLossLimit         decimal.Decimal `json:"daily_loss_limit"`
	MaxDrawdownPct         float64         `json:"max_drawdown_pct"`
	ClosePositionsOnBreach bool            `json:"close_positions_on_breach"`
	StopTradingOnBreach    bool            `json:"stop_trading_on_breach"`
	Timezone               string          `json:"timezone"`
	DailyResetCron         string          `json:"daily_reset_cron"`
	RefreshCron            string          `json:"refresh_cron"`
	SchedulerEnabled       bool            `json:"scheduler_enabled"`
}

// DefaultGuardConfig returns sensible defaults: midnight UTC reset, broker
// refresh every minute, scheduler off (the orchestrator drives updates).
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		DailyLossLimit:         decimal.NewFromInt(500),
		MaxDrawdownPct:         10,
		ClosePositionsOnBreach: true,
		StopTradingOnBreach:    true,
		Timezone:               "UTC",
		DailyResetCron:         "0 0 0 * * *",
		RefreshCron:            "0 * * * * *",
		SchedulerEnabled:       false,
	}
}

// Metrics is a snapshot of the guard's account view.
type Metrics struct {
	Status          Status          `json:"status"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	CurrentBalance  decimal.Decimal `json:"current_balance"`
	PeakBalance     decimal.Decimal `json:"peak_balance"`
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	DrawdownPct     float64         `json:"drawdown_pct"`
	OpenPositions   int             `json:"open_positions"`
	TotalExposure   decimal.Decimal `json:"total_exposure"`
	LastReset       time.Time       `json:"last_reset"`
}

// Guard tracks account metrics against configured limits. All state lives
// behind one mutex; the cron scheduler and the orchestrator driver may both
// call into it.
type Guard struct {
	config GuardConfig
	bus    *events.Bus
	logger *zap.Logger
	broker broker.Broker
	clock  func() time.Time

	location      *time.Location
	resetSchedule cron.Schedule

	mu              sync.Mutex
	status          Status
	startingBalance decimal.Decimal
	currentBalance  decimal.Decimal
	peakBalance     decimal.Decimal
	dailyPnL        decimal.Decimal
	drawdownPct     float64
	openPositions   int
	totalExposure   decimal.Decimal
	lastReset       time.Time
	episodeHandled  bool
	initialized     bool

	cron *cron.Cron
}

// NewGuard creates the risk guard. The broker is used to flatten positions
// on breach and by the refresh job; it may be nil in tests that only
// exercise the state machine.
func NewGuard(logger *zap.Logger, bus *events.Bus, brk broker.Broker, config GuardConfig) (*Guard, error) {
	def := DefaultGuardConfig()
	if config.Timezone == "" {
		config.Timezone = def.Timezone
	}
	if config.DailyResetCron == "" {
		config.DailyResetCron = def.DailyResetCron
	}
	if config.RefreshCron == "" {
		config.RefreshCron = def.RefreshCron
	}

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("risk timezone %q: %w", config.Timezone, err)
	}
	schedule, err := cronParser.Parse(config.DailyResetCron)
	if err != nil {
		return nil, fmt.Errorf("daily reset cron %q: %w", config.DailyResetCron, err)
	}

	return &Guard{
		config:        config,
		bus:           bus,
		logger:        logger.Named("risk_guard"),
		broker:        brk,
		clock:         time.Now,
		location:      loc,
		resetSchedule: schedule,
		status:        StatusActive,
	}, nil
}

// SetClock overrides the time source. Test hook.
func (g *Guard) SetClock(clock func() time.Time) { g.clock = clock }

// Start launches the cron scheduler when enabled: the daily reset job plus
// a refresh job pulling balance and positions from the broker.
func (g *Guard) Start() error {
	if !g.config.SchedulerEnabled {
		return nil
	}

	g.cron = cron.New(cron.WithParser(cronParser), cron.WithLocation(g.location))

	if _, err := g.cron.AddFunc(g.config.DailyResetCron, g.scheduledReset); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	if _, err := g.cron.AddFunc(g.config.RefreshCron, g.refreshFromBroker); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}

	g.cron.Start()
	g.logger.Info("Risk scheduler started",
		zap.String("reset_cron", g.config.DailyResetCron),
		zap.String("refresh_cron", g.config.RefreshCron),
		zap.String("timezone", g.config.Timezone),
	)
	return nil
}

// Stop halts the scheduler, waiting for running jobs.
func (g *Guard) Stop() {
	if g.cron != nil {
		ctx := g.cron.Stop()
		<-ctx.Done()
		g.cron = nil
	}
}

func (g *Guard) scheduledReset() {
	g.mu.Lock()
	g.resetLocked(g.clock())
	g.mu.Unlock()
}

func (g *Guard) refreshFromBroker() {
	if g.broker == nil {
		return
	}
	balance, err := g.broker.Balance()
	if err != nil {
		g.logger.Warn("Balance refresh failed", zap.Error(err))
		return
	}
	positions, err := g.broker.OpenPositions()
	if err != nil {
		g.logger.Warn("Position refresh failed", zap.Error(err))
		return
	}

	exposure := decimal.Zero
	for _, pos := range positions {
		exposure = exposure.Add(pos.Volume.Mul(decimal.NewFromFloat(pos.PriceOpen)))
	}
	g.UpdateAccountMetrics(balance, len(positions), exposure)
}

// UpdateAccountMetrics feeds the guard a fresh account snapshot and runs
// breach evaluation. Daily loss is checked before drawdown.
func (g *Guard) UpdateAccountMetrics(balance decimal.Decimal, openPositions int, totalExposure decimal.Decimal) {
	g.mu.Lock()

	now := g.clock()
	if !g.initialized {
		g.initialized = true
		g.startingBalance = balance
		g.peakBalance = balance
		g.lastReset = now
	}
	g.maybeDailyResetLocked(now)

	g.currentBalance = balance
	g.openPositions = openPositions
	g.totalExposure = totalExposure
	g.dailyPnL = balance.Sub(g.startingBalance)

	g.peakBalance = utils.MaxDecimal(g.peakBalance, balance)
	g.drawdownPct = 0
	if g.peakBalance.IsPositive() {
		dd := g.peakBalance.Sub(balance).Div(g.peakBalance).Mul(decimal.NewFromInt(100))
		if dd.IsPositive() {
			g.drawdownPct, _ = dd.Float64()
		}
	}

	breach, reason := g.evaluateLocked()
	if breach == "" {
		if g.status == StatusRecovering {
			g.status = StatusActive
			g.logger.Info("Risk guard recovered")
		}
		g.mu.Unlock()
		return
	}

	if g.status == breach && g.episodeHandled {
		g.mu.Unlock()
		return
	}

	g.status = breach
	g.episodeHandled = true
	snapshot := g.metricsLocked()
	g.mu.Unlock()

	g.onBreach(breach, reason, snapshot)
}

// evaluateLocked returns the breached status and its reason, or empty when
// no limit is exceeded. Manual stop is sticky.
func (g *Guard) evaluateLocked() (Status, string) {
	if g.status == StatusManuallyStopped {
		return StatusManuallyStopped, "manually stopped"
	}
	if g.config.DailyLossLimit.IsPositive() && g.dailyPnL.Neg().GreaterThanOrEqual(g.config.DailyLossLimit) {
		return StatusDailyLossBreached,
			fmt.Sprintf("daily loss %s exceeds limit %s", g.dailyPnL.String(), g.config.DailyLossLimit.String())
	}
	if g.config.MaxDrawdownPct > 0 && g.drawdownPct >= g.config.MaxDrawdownPct {
		return StatusDrawdownBreached,
			fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", g.drawdownPct, g.config.MaxDrawdownPct)
	}
	return "", ""
}

func (g *Guard) onBreach(status Status, reason string, snapshot Metrics) {
	g.logger.Error("Risk limit breached",
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.String("daily_pnl", snapshot.DailyPnL.String()),
		zap.Float64("drawdown_pct", snapshot.DrawdownPct),
	)

	if g.config.ClosePositionsOnBreach && g.broker != nil && status != StatusManuallyStopped {
		closed, err := g.broker.CloseAllPositions(string(status))
		if err != nil {
			g.logger.Error("Close-all on breach failed", zap.Error(err))
		} else if closed > 0 {
			g.logger.Info("Positions flattened on breach", zap.Int("closed", closed))
		}
	}

	g.bus.Publish(events.NewRiskLimitBreachedEvent(reason, string(status), snapshot.DailyPnL, snapshot.DrawdownPct))
}

// maybeDailyResetLocked applies the daily reset when the configured reset
// time has passed since the last reset. Works without the scheduler so the
// driver-fed path stays correct on its own.
func (g *Guard) maybeDailyResetLocked(now time.Time) {
	if g.lastReset.IsZero() {
		return
	}
	next := g.resetSchedule.Next(g.lastReset.In(g.location))
	if !now.Before(next) {
		g.resetLocked(now)
	}
}

// resetLocked rebases the daily window on the current balance and clears a
// daily-loss breach.
func (g *Guard) resetLocked(now time.Time) {
	g.startingBalance = g.currentBalance
	g.dailyPnL = decimal.Zero
	g.lastReset = now
	g.episodeHandled = false
	if g.status == StatusDailyLossBreached {
		g.status = StatusActive
		g.logger.Info("Daily reset cleared loss breach")
	}
	g.logger.Info("Daily risk window reset",
		zap.String("starting_balance", g.startingBalance.String()),
	)
}

// ManualStop forces the guard into manually_stopped from any state.
func (g *Guard) ManualStop(reason string) {
	g.mu.Lock()
	g.status = StatusManuallyStopped
	g.episodeHandled = true
	snapshot := g.metricsLocked()
	g.mu.Unlock()

	g.logger.Warn("Trading manually stopped", zap.String("reason", reason))
	g.bus.Publish(events.NewRiskLimitBreachedEvent(reason, string(StatusManuallyStopped), snapshot.DailyPnL, snapshot.DrawdownPct))
}

// ManualResume moves a stopped or breached guard into recovering; the next
// breach-free metrics update promotes it back to active.
func (g *Guard) ManualResume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == StatusActive {
		return
	}
	g.status = StatusRecovering
	g.episodeHandled = false
	g.logger.Info("Risk guard resuming")
}

// IsTradingAllowed reports whether new trading activity may proceed.
func (g *Guard) IsTradingAllowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status == StatusActive
}

// Status returns the current state machine position.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Metrics returns a snapshot of the guard's account view.
func (g *Guard) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metricsLocked()
}

func (g *Guard) metricsLocked() Metrics {
	return Metrics{
		Status:          g.status,
		StartingBalance: g.startingBalance,
		CurrentBalance:  g.currentBalance,
		PeakBalance:     g.peakBalance,
		DailyPnL:        g.dailyPnL,
		DrawdownPct:     g.drawdownPct,
		OpenPositions:   g.openPositions,
		TotalExposure:   g.totalExposure,
		LastReset:       g.lastReset,
	}
}
