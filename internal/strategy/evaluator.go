package strategy

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/broker"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/service"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

// Evaluator-specific counter names.
const (
	MetricEvaluations            = "evaluations"
	MetricEntrySignalsGenerated  = "entry_signals_generated"
	MetricEntrySignalsSuppressed = "entry_signals_suppressed"
	MetricExitSignalsGenerated   = "exit_signals_generated"
	MetricEvaluationErrors       = "evaluation_errors"
)

// AutomationGate reports whether automated entries are currently allowed.
type AutomationGate interface {
	IsEnabled() bool
}

// EvaluatorConfig configures the evaluator for one symbol.
type EvaluatorConfig struct {
	Symbol          string `json:"symbol"`
	MinRowsRequired int    `json:"min_rows_required"`
}

// DefaultEvaluatorConfig returns sensible defaults for a symbol.
func DefaultEvaluatorConfig(symbol string) EvaluatorConfig {
	return EvaluatorConfig{
		Symbol:          symbol,
		MinRowsRequired: 3,
	}
}

// Evaluator reacts to enriched data, runs the strategy engine and entry
// manager, applies the automation gate to entries and publishes the
// resulting decisions.
type Evaluator struct {
	*service.Base
	config  EvaluatorConfig
	engine  Engine
	manager *EntryManager
	broker  broker.Broker
	gate    AutomationGate
}

// NewEvaluator creates the strategy evaluator. broker and gate may be nil;
// a nil gate never suppresses.
func NewEvaluator(logger *zap.Logger, bus *events.Bus, engine Engine, manager *EntryManager, brk broker.Broker, gate AutomationGate, config EvaluatorConfig) *Evaluator {
	return &Evaluator{
		Base:    service.NewBase("strategy_evaluator_"+config.Symbol, bus, logger),
		config:  config,
		engine:  engine,
		manager: manager,
		broker:  brk,
		gate:    gate,
	}
}

// Start subscribes to enriched data.
func (e *Evaluator) Start() error {
	if err := e.MarkRunning(); err != nil {
		return err
	}
	e.Subscribe(events.EventTypeIndicatorsCalculated, e.onIndicators)
	return nil
}

// Stop transitions the evaluator to stopped.
func (e *Evaluator) Stop() {
	e.Shutdown()
}

func (e *Evaluator) onIndicators(event events.Event) error {
	data, ok := event.(*events.IndicatorsCalculatedEvent)
	if !ok || data.Symbol != e.config.Symbol {
		return nil
	}

	if !e.hasEnoughRows(data.RecentRows) {
		return nil
	}

	if err := e.evaluate(data.RecentRows); err != nil {
		e.IncCounter(MetricEvaluationErrors)
		e.Publish(events.NewStrategyErrorEvent(e.config.Symbol, err))
		return err
	}
	return nil
}

// hasEnoughRows checks that at least one timeframe buffer has reached the
// minimum depth.
func (e *Evaluator) hasEnoughRows(rows map[string][]types.EnrichedRow) bool {
	for _, frame := range rows {
		if len(frame) >= e.config.MinRowsRequired {
			return true
		}
	}
	return false
}

func (e *Evaluator) evaluate(rows map[string][]types.EnrichedRow) error {
	e.IncCounter(MetricEvaluations)

	results, err := e.engine.Evaluate(rows)
	if err != nil {
		return err
	}

	balance := e.fetchBalance()

	trades, err := e.manager.ManageTrades(results, rows, balance)
	if err != nil {
		return err
	}

	if !e.automationEnabled() && len(trades.Entries) > 0 {
		e.AddCounter(MetricEntrySignalsSuppressed, int64(len(trades.Entries)))
		e.Logger().Info("Entries suppressed, automation disabled",
			zap.Int("count", len(trades.Entries)),
		)
		trades.Entries = nil
	}

	if trades.IsEmpty() {
		return nil
	}

	for _, entry := range trades.Entries {
		e.IncCounter(MetricEntrySignalsGenerated)
		e.Publish(events.NewEntrySignalEvent(e.config.Symbol, entry))
	}
	for _, exit := range trades.Exits {
		e.IncCounter(MetricExitSignalsGenerated)
		e.Publish(events.NewExitSignalEvent(e.config.Symbol, exit))
	}

	e.Publish(events.NewTradesReadyEvent(e.config.Symbol, *trades))
	return nil
}

// fetchBalance is best-effort; a missing broker or a lookup failure must not
// block evaluation.
func (e *Evaluator) fetchBalance() decimal.Decimal {
	if e.broker == nil {
		return decimal.Zero
	}
	balance, err := e.broker.Balance()
	if err != nil {
		e.Logger().Warn("Balance lookup failed", zap.Error(err))
		return decimal.Zero
	}
	return balance
}

func (e *Evaluator) automationEnabled() bool {
	return e.gate == nil || e.gate.IsEnabled()
}
