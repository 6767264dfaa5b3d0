// Package execution dispatches evaluator decisions to the broker, applying
// the automation gate and the broker-side trading authorization.
package execution

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/broker"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/service"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

// Executor-specific counter names.
const (
	MetricTradesExecuted           = "trades_executed"
	MetricOrdersPlaced             = "orders_placed"
	MetricOrdersRejected           = "orders_rejected"
	MetricPositionsClosed          = "positions_closed"
	MetricRiskBreaches             = "risk_breaches"
	MetricExecutionErrors          = "execution_errors"
	MetricTradesRejectedAutomation = "trades_rejected_automation"
)

// RejectReasonAutomation is the OrderRejected reason for gated entries.
const RejectReasonAutomation = "automation_disabled"

// Mode selects when accumulated batches are dispatched.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeBatch     Mode = "batch"
)

// AutomationGate reports whether automated entries are currently allowed.
type AutomationGate interface {
	IsEnabled() bool
}

// ExecutorConfig configures the trade executor for one symbol.
type ExecutorConfig struct {
	Symbol    string `json:"symbol"`
	Mode      Mode   `json:"mode"`
	BatchSize int    `json:"batch_size"`
}

// DefaultExecutorConfig returns sensible defaults for a symbol.
func DefaultExecutorConfig(symbol string) ExecutorConfig {
	return ExecutorConfig{
		Symbol:    symbol,
		Mode:      ModeImmediate,
		BatchSize: 5,
	}
}

// Executor validates, gates and dispatches decision batches to the broker
// and publishes the execution events the position monitor and observers
// consume. State is only touched from the driver goroutine.
type Executor struct {
	*service.Base
	config ExecutorConfig
	broker broker.Broker
	gate   AutomationGate

	pending []types.Trades
}

// NewExecutor creates the trade executor. A nil gate never rejects.
func NewExecutor(logger *zap.Logger, bus *events.Bus, brk broker.Broker, gate AutomationGate, config ExecutorConfig) *Executor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultExecutorConfig(config.Symbol).BatchSize
	}
	return &Executor{
		Base:   service.NewBase("trade_executor_"+config.Symbol, bus, logger),
		config: config,
		broker: brk,
		gate:   gate,
	}
}

// Start subscribes to decision batches plus the individual signal events,
// which are observed for logging only.
func (x *Executor) Start() error {
	if err := x.MarkRunning(); err != nil {
		return err
	}
	x.Subscribe(events.EventTypeTradesReady, x.onTradesReady)
	x.Subscribe(events.EventTypeEntrySignal, x.onSignal)
	x.Subscribe(events.EventTypeExitSignal, x.onSignal)
	return nil
}

// Stop flushes any batched trades, then stops the service.
func (x *Executor) Stop() {
	if len(x.pending) > 0 {
		if err := x.flush(); err != nil {
			x.Logger().Warn("Flush on stop failed", zap.Error(err))
		}
	}
	x.Shutdown()
}

func (x *Executor) onSignal(event events.Event) error {
	switch sig := event.(type) {
	case *events.EntrySignalEvent:
		if sig.Symbol == x.config.Symbol {
			x.Logger().Debug("Entry signal observed",
				zap.String("strategy", sig.Decision.StrategyName),
				zap.String("direction", string(sig.Decision.Direction)),
			)
		}
	case *events.ExitSignalEvent:
		if sig.Symbol == x.config.Symbol {
			x.Logger().Debug("Exit signal observed",
				zap.String("strategy", sig.Decision.StrategyName),
				zap.String("direction", string(sig.Decision.Direction)),
			)
		}
	}
	return nil
}

func (x *Executor) onTradesReady(event events.Event) error {
	ready, ok := event.(*events.TradesReadyEvent)
	if !ok || ready.Symbol != x.config.Symbol {
		return nil
	}

	trades := x.gateEntries(ready.Trades)
	if trades.IsEmpty() {
		return nil
	}

	if x.config.Mode == ModeBatch {
		x.pending = append(x.pending, trades)
		if len(x.pending) < x.config.BatchSize {
			return nil
		}
		return x.flush()
	}

	return x.execute(&trades)
}

// gateEntries strips entries when automation is disabled, publishing one
// OrderRejected per stripped entry. Exits always pass.
func (x *Executor) gateEntries(trades types.Trades) types.Trades {
	if x.gate == nil || x.gate.IsEnabled() || len(trades.Entries) == 0 {
		return trades
	}

	for _, entry := range trades.Entries {
		x.IncCounter(MetricTradesRejectedAutomation)
		x.IncCounter(MetricOrdersRejected)
		x.Publish(events.NewOrderRejectedEvent(x.config.Symbol, entry.StrategyName, RejectReasonAutomation))
	}
	x.Logger().Info("Entries rejected, automation disabled",
		zap.Int("count", len(trades.Entries)),
	)

	trades.Entries = nil
	return trades
}

// flush merges and executes the pending batches.
func (x *Executor) flush() error {
	merged := types.Trades{}
	for _, t := range x.pending {
		merged.Entries = append(merged.Entries, t.Entries...)
		merged.Exits = append(merged.Exits, t.Exits...)
	}
	x.pending = nil

	if merged.IsEmpty() {
		return nil
	}
	return x.execute(&merged)
}

func (x *Executor) execute(trades *types.Trades) error {
	ctx, report, err := x.broker.ExecuteTradingCycle(trades)
	if err != nil {
		x.IncCounter(MetricExecutionErrors)
		return fmt.Errorf("trading cycle for %s: %w", x.config.Symbol, err)
	}

	if !ctx.TradeAuthorized {
		reasons := blockReasons(ctx)
		x.Publish(events.NewTradingBlockedEvent(x.config.Symbol, reasons))
		if ctx.RiskBreached {
			x.IncCounter(MetricRiskBreaches)
			x.Publish(events.NewRiskLimitBreachedEvent("broker risk check", "broker_breach", ctx.TotalPnL, 0))
		}
		x.Logger().Warn("Trading blocked", zap.Strings("reasons", reasons))
		return nil
	}

	x.Publish(events.NewTradingAuthorizedEvent(x.config.Symbol))

	if report == nil {
		return nil
	}

	for i := range report.Entries {
		entry := &report.Entries[i]
		entry.GroupID = uuid.NewString()

		for _, ticket := range entry.Tickets {
			x.IncCounter(MetricOrdersPlaced)
			x.Publish(events.NewOrderPlacedEvent(
				x.config.Symbol,
				entry.Decision.StrategyName,
				entry.Decision.Direction,
				[]int64{ticket},
				entry.FilledVolume,
				entry.AvgPrice,
				entry.GroupID,
			))
		}
	}

	for _, exit := range report.Exits {
		for _, closed := range exit.Closed {
			x.IncCounter(MetricPositionsClosed)
			x.Publish(events.NewPositionClosedEvent(
				x.config.Symbol, closed.Ticket, closed.Volume, closed.Profit, "exit_signal",
			))
		}
	}

	if len(report.Entries) > 0 || len(report.Exits) > 0 {
		x.IncCounter(MetricTradesExecuted)
		x.Publish(events.NewTradesExecutedEvent(x.config.Symbol, *report))
	}
	return nil
}

// blockReasons enumerates the trading-context flags in a fixed order.
func blockReasons(ctx types.TradingContext) []string {
	var reasons []string
	if ctx.NewsBlockActive {
		reasons = append(reasons, "news_block_active")
	}
	if ctx.MarketClosingSoon {
		reasons = append(reasons, "market_closing_soon")
	}
	if ctx.RiskBreached {
		reasons = append(reasons, "risk_breached")
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "not_authorized")
	}
	return reasons
}
