// Package events provides the in-process typed event bus that connects the
// trading pipeline stages, plus the concrete event payloads they exchange.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

// EventType defines the category of event
type EventType string

const (
	// Market data events
	EventTypeDataFetched    EventType = "data.fetched"
	EventTypeNewCandle      EventType = "data.new_candle"
	EventTypeDataFetchError EventType = "data.fetch_error"

	// Indicator and regime events
	EventTypeIndicatorsCalculated EventType = "indicators.calculated"
	EventTypeIndicatorError       EventType = "indicators.error"
	EventTypeRegimeChanged        EventType = "regime.changed"

	// Strategy events
	EventTypeEntrySignal   EventType = "strategy.entry_signal"
	EventTypeExitSignal    EventType = "strategy.exit_signal"
	EventTypeTradesReady   EventType = "strategy.trades_ready"
	EventTypeStrategyError EventType = "strategy.error"

	// Execution events
	EventTypeOrderPlaced       EventType = "execution.order_placed"
	EventTypeOrderRejected     EventType = "execution.order_rejected"
	EventTypePositionClosed    EventType = "execution.position_closed"
	EventTypeTradesExecuted    EventType = "execution.trades_executed"
	EventTypeTradingAuthorized EventType = "execution.trading_authorized"
	EventTypeTradingBlocked    EventType = "execution.trading_blocked"

	// Risk events
	EventTypeRiskLimitBreached EventType = "risk.limit_breached"

	// Position monitor events
	EventTypeTPLevelHit              EventType = "monitor.tp_level_hit"
	EventTypePositionPartiallyClosed EventType = "monitor.position_partially_closed"
	EventTypeStopLossMoved           EventType = "monitor.stop_loss_moved"

	// Automation events
	EventTypeAutomationToggle       EventType = "automation.toggle"
	EventTypeAutomationStateChanged EventType = "automation.state_changed"
)

// Event is the base interface for everything published on the bus.
type Event interface {
	GetType() EventType
	GetID() string
	GetTimestamp() time.Time
	GetCorrelationID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e *BaseEvent) GetType() EventType       { return e.Type }
func (e *BaseEvent) GetID() string            { return e.ID }
func (e *BaseEvent) GetTimestamp() time.Time  { return e.Timestamp }
func (e *BaseEvent) GetCorrelationID() string { return e.CorrelationID }

// NewBaseEvent creates a new base event with generated ID and timestamp.
// Publishers that participate in a pipeline tick set CorrelationID before
// publishing so downstream handlers can trace the full chain.
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// DataFetchedEvent reports a completed poll of one timeframe.
type DataFetchedEvent struct {
	BaseEvent
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe"`
	Bars      []types.Candle `json:"bars"`
	NumBars   int            `json:"num_bars"`
}

// NewCandleEvent signals that the reference bar for a timeframe has advanced.
type NewCandleEvent struct {
	BaseEvent
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	Candle    types.Candle `json:"candle"`
}

// DataFetchErrorEvent reports a failed poll for a single timeframe.
type DataFetchErrorEvent struct {
	BaseEvent
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Error     string `json:"error"`
}

// IndicatorsCalculatedEvent carries one enriched row for a timeframe plus a
// snapshot of the bounded recent-rows buffers of every timeframe of the
// symbol, which is what the evaluator consumes.
type IndicatorsCalculatedEvent struct {
	BaseEvent
	Symbol     string                         `json:"symbol"`
	Timeframe  string                         `json:"timeframe"`
	Row        types.EnrichedRow              `json:"row"`
	RecentRows map[string][]types.EnrichedRow `json:"recent_rows"`
}

// IndicatorErrorEvent reports a failure while enriching a candle.
type IndicatorErrorEvent struct {
	BaseEvent
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Error     string `json:"error"`
}

// RegimeChangedEvent announces a committed regime transition.
type RegimeChangedEvent struct {
	BaseEvent
	Symbol       string       `json:"symbol"`
	Timeframe    string       `json:"timeframe"`
	OldRegime    types.Regime `json:"old_regime"`
	NewRegime    types.Regime `json:"new_regime"`
	Confidence   float64      `json:"confidence"`
	IsTransition bool         `json:"is_transition"`
}

// EntrySignalEvent carries a single entry decision from the evaluator.
type EntrySignalEvent struct {
	BaseEvent
	Symbol   string              `json:"symbol"`
	Decision types.EntryDecision `json:"decision"`
}

// ExitSignalEvent carries a single exit decision from the evaluator.
type ExitSignalEvent struct {
	BaseEvent
	Symbol   string             `json:"symbol"`
	Decision types.ExitDecision `json:"decision"`
}

// TradesReadyEvent carries the full batch of decisions produced in one tick.
type TradesReadyEvent struct {
	BaseEvent
	Symbol string       `json:"symbol"`
	Trades types.Trades `json:"trades"`
}

// StrategyErrorEvent reports an evaluation failure.
type StrategyErrorEvent struct {
	BaseEvent
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}

// OrderPlacedEvent reports tickets opened for one entry decision.
type OrderPlacedEvent struct {
	BaseEvent
	Symbol    string          `json:"symbol"`
	Strategy  string          `json:"strategy"`
	Direction types.Direction `json:"direction"`
	Tickets   []int64         `json:"tickets"`
	Volume    decimal.Decimal `json:"volume"`
	Price     float64         `json:"price"`
	GroupID   string          `json:"group_id"`
}

// OrderRejectedEvent reports an entry decision that was not dispatched.
type OrderRejectedEvent struct {
	BaseEvent
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
}

// PositionClosedEvent reports a full or forced close of a broker position.
type PositionClosedEvent struct {
	BaseEvent
	Symbol string          `json:"symbol"`
	Ticket int64           `json:"ticket"`
	Volume decimal.Decimal `json:"volume"`
	Profit decimal.Decimal `json:"profit"`
	Reason string          `json:"reason"`
}

// TradesExecutedEvent carries the broker report for one executed batch.
type TradesExecutedEvent struct {
	BaseEvent
	Symbol string                `json:"symbol"`
	Report types.ExecutionReport `json:"report"`
}

// TradingAuthorizedEvent signals that the pre-trade gate passed.
type TradingAuthorizedEvent struct {
	BaseEvent
	Symbol string `json:"symbol"`
}

// TradingBlockedEvent signals that the pre-trade gate failed.
type TradingBlockedEvent struct {
	BaseEvent
	Symbol  string   `json:"symbol"`
	Reasons []string `json:"reasons"`
}

// RiskLimitBreachedEvent announces an account-level halt.
type RiskLimitBreachedEvent struct {
	BaseEvent
	Reason      string          `json:"reason"`
	Status      string          `json:"status"`
	DailyPnL    decimal.Decimal `json:"daily_pnl"`
	DrawdownPct float64         `json:"drawdown_pct"`
}

// TPLevelHitEvent reports one take-profit ladder level firing.
type TPLevelHitEvent struct {
	BaseEvent
	Symbol       string          `json:"symbol"`
	Ticket       int64           `json:"ticket"`
	Level        int             `json:"level"`
	Price        float64         `json:"price"`
	ClosedVolume decimal.Decimal `json:"closed_volume"`
}

// PositionPartiallyClosedEvent reports the volume change after a partial close.
type PositionPartiallyClosedEvent struct {
	BaseEvent
	Symbol          string          `json:"symbol"`
	Ticket          int64           `json:"ticket"`
	ClosedVolume    decimal.Decimal `json:"closed_volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	ClosePrice      float64         `json:"close_price"`
	Profit          decimal.Decimal `json:"profit"`
	Level           int             `json:"tp_level"`
}

// StopLossMovedEvent reports a stop-loss modification (e.g. breakeven).
type StopLossMovedEvent struct {
	BaseEvent
	Symbol   string  `json:"symbol"`
	Ticket   int64   `json:"ticket"`
	OldLevel float64 `json:"old_level"`
	NewLevel float64 `json:"new_level"`
	Reason   string  `json:"reason"`
}

// ToggleAction is a requested automation command.
type ToggleAction string

const (
	ToggleEnable  ToggleAction = "ENABLE"
	ToggleDisable ToggleAction = "DISABLE"
	ToggleQuery   ToggleAction = "QUERY"
)

// AutomationToggleEvent requests an automation state change. QUERY leaves
// the state untouched and only asks for a broadcast.
type AutomationToggleEvent struct {
	BaseEvent
	Action      ToggleAction `json:"action"`
	Reason      string       `json:"reason"`
	RequestedBy string       `json:"requested_by"`
}

// AutomationStateChangedEvent broadcasts a committed automation state. For
// QUERY requests the previous state equals the current one.
type AutomationStateChangedEvent struct {
	BaseEvent
	Enabled         bool      `json:"enabled"`
	PreviousEnabled bool      `json:"previous_enabled"`
	Reason          string    `json:"reason"`
	RequestedBy     string    `json:"requested_by"`
	ChangedAt       time.Time `json:"changed_at"`
}

// Helper factory functions for creating events

// NewDataFetchedEvent creates a data fetched event.
func NewDataFetchedEvent(symbol, timeframe string, bars []types.Candle) *DataFetchedEvent {
	return &DataFetchedEvent{
		BaseEvent: NewBaseEvent(EventTypeDataFetched),
		Symbol:    symbol,
		Timeframe: timeframe,
		Bars:      bars,
		NumBars:   len(bars),
	}
}

// NewNewCandleEvent creates a new candle event.
func NewNewCandleEvent(symbol, timeframe string, candle types.Candle) *NewCandleEvent {
	return &NewCandleEvent{
		BaseEvent: NewBaseEvent(EventTypeNewCandle),
		Symbol:    symbol,
		Timeframe: timeframe,
		Candle:    candle,
	}
}

// NewDataFetchErrorEvent creates a data fetch error event.
func NewDataFetchErrorEvent(symbol, timeframe string, err error) *DataFetchErrorEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &DataFetchErrorEvent{
		BaseEvent: NewBaseEvent(EventTypeDataFetchError),
		Symbol:    symbol,
		Timeframe: timeframe,
		Error:     msg,
	}
}

// NewIndicatorsCalculatedEvent creates an indicators calculated event.
func NewIndicatorsCalculatedEvent(symbol, timeframe string, row types.EnrichedRow, recentRows map[string][]types.EnrichedRow) *IndicatorsCalculatedEvent {
	return &IndicatorsCalculatedEvent{
		BaseEvent:  NewBaseEvent(EventTypeIndicatorsCalculated),
		Symbol:     symbol,
		Timeframe:  timeframe,
		Row:        row,
		RecentRows: recentRows,
	}
}

// NewIndicatorErrorEvent creates an indicator error event.
func NewIndicatorErrorEvent(symbol, timeframe string, err error) *IndicatorErrorEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &IndicatorErrorEvent{
		BaseEvent: NewBaseEvent(EventTypeIndicatorError),
		Symbol:    symbol,
		Timeframe: timeframe,
		Error:     msg,
	}
}

// NewRegimeChangedEvent creates a regime changed event.
func NewRegimeChangedEvent(symbol, timeframe string, oldRegime, newRegime types.Regime, confidence float64, isTransition bool) *RegimeChangedEvent {
	return &RegimeChangedEvent{
		BaseEvent:    NewBaseEvent(EventTypeRegimeChanged),
		Symbol:       symbol,
		Timeframe:    timeframe,
		OldRegime:    oldRegime,
		NewRegime:    newRegime,
		Confidence:   confidence,
		IsTransition: isTransition,
	}
}

// NewEntrySignalEvent creates an entry signal event.
func NewEntrySignalEvent(symbol string, decision types.EntryDecision) *EntrySignalEvent {
	return &EntrySignalEvent{
		BaseEvent: NewBaseEvent(EventTypeEntrySignal),
		Symbol:    symbol,
		Decision:  decision,
	}
}

// NewExitSignalEvent creates an exit signal event.
func NewExitSignalEvent(symbol string, decision types.ExitDecision) *ExitSignalEvent {
	return &ExitSignalEvent{
		BaseEvent: NewBaseEvent(EventTypeExitSignal),
		Symbol:    symbol,
		Decision:  decision,
	}
}

// NewTradesReadyEvent creates a trades ready event.
func NewTradesReadyEvent(symbol string, trades types.Trades) *TradesReadyEvent {
	return &TradesReadyEvent{
		BaseEvent: NewBaseEvent(EventTypeTradesReady),
		Symbol:    symbol,
		Trades:    trades,
	}
}

// NewStrategyErrorEvent creates a strategy error event.
func NewStrategyErrorEvent(symbol string, err error) *StrategyErrorEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &StrategyErrorEvent{
		BaseEvent: NewBaseEvent(EventTypeStrategyError),
		Symbol:    symbol,
		Error:     msg,
	}
}

// NewOrderPlacedEvent creates an order placed event.
func NewOrderPlacedEvent(symbol, strategy string, direction types.Direction, tickets []int64, volume decimal.Decimal, price float64, groupID string) *OrderPlacedEvent {
	return &OrderPlacedEvent{
		BaseEvent: NewBaseEvent(EventTypeOrderPlaced),
		Symbol:    symbol,
		Strategy:  strategy,
		Direction: direction,
		Tickets:   tickets,
		Volume:    volume,
		Price:     price,
		GroupID:   groupID,
	}
}

// NewOrderRejectedEvent creates an order rejected event.
func NewOrderRejectedEvent(symbol, strategy, reason string) *OrderRejectedEvent {
	return &OrderRejectedEvent{
		BaseEvent: NewBaseEvent(EventTypeOrderRejected),
		Symbol:    symbol,
		Strategy:  strategy,
		Reason:    reason,
	}
}

// NewPositionClosedEvent creates a position closed event.
func NewPositionClosedEvent(symbol string, ticket int64, volume, profit decimal.Decimal, reason string) *PositionClosedEvent {
	return &PositionClosedEvent{
		BaseEvent: NewBaseEvent(EventTypePositionClosed),
		Symbol:    symbol,
		Ticket:    ticket,
		Volume:    volume,
		Profit:    profit,
		Reason:    reason,
	}
}

// NewTradesExecutedEvent creates a trades executed event.
func NewTradesExecutedEvent(symbol string, report types.ExecutionReport) *TradesExecutedEvent {
	return &TradesExecutedEvent{
		BaseEvent: NewBaseEvent(EventTypeTradesExecuted),
		Symbol:    symbol,
		Report:    report,
	}
}

// NewTradingAuthorizedEvent creates a trading authorized event.
func NewTradingAuthorizedEvent(symbol string) *TradingAuthorizedEvent {
	return &TradingAuthorizedEvent{
		BaseEvent: NewBaseEvent(EventTypeTradingAuthorized),
		Symbol:    symbol,
	}
}

// NewTradingBlockedEvent creates a trading blocked event.
func NewTradingBlockedEvent(symbol string, reasons []string) *TradingBlockedEvent {
	return &TradingBlockedEvent{
		BaseEvent: NewBaseEvent(EventTypeTradingBlocked),
		Symbol:    symbol,
		Reasons:   reasons,
	}
}

// NewRiskLimitBreachedEvent creates a risk limit breached event.
func NewRiskLimitBreachedEvent(reason, status string, dailyPnL decimal.Decimal, drawdownPct float64) *RiskLimitBreachedEvent {
	return &RiskLimitBreachedEvent{
		BaseEvent:   NewBaseEvent(EventTypeRiskLimitBreached),
		Reason:      reason,
		Status:      status,
		DailyPnL:    dailyPnL,
		DrawdownPct: drawdownPct,
	}
}

// NewTPLevelHitEvent creates a TP level hit event.
func NewTPLevelHitEvent(symbol string, ticket int64, level int, price float64, closedVolume decimal.Decimal) *TPLevelHitEvent {
	return &TPLevelHitEvent{
		BaseEvent:    NewBaseEvent(EventTypeTPLevelHit),
		Symbol:       symbol,
		Ticket:       ticket,
		Level:        level,
		Price:        price,
		ClosedVolume: closedVolume,
	}
}

// NewPositionPartiallyClosedEvent creates a partial close event.
func NewPositionPartiallyClosedEvent(symbol string, ticket int64, closedVolume, remainingVolume decimal.Decimal, closePrice float64, profit decimal.Decimal, level int) *PositionPartiallyClosedEvent {
	return &PositionPartiallyClosedEvent{
		BaseEvent:       NewBaseEvent(EventTypePositionPartiallyClosed),
		Symbol:          symbol,
		Ticket:          ticket,
		ClosedVolume:    closedVolume,
		RemainingVolume: remainingVolume,
		ClosePrice:      closePrice,
		Profit:          profit,
		Level:           level,
	}
}

// NewStopLossMovedEvent creates a stop loss moved event.
func NewStopLossMovedEvent(symbol string, ticket int64, oldLevel, newLevel float64, reason string) *StopLossMovedEvent {
	return &StopLossMovedEvent{
		BaseEvent: NewBaseEvent(EventTypeStopLossMoved),
		Symbol:    symbol,
		Ticket:    ticket,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		Reason:    reason,
	}
}

// NewAutomationToggleEvent creates an automation toggle request event.
func NewAutomationToggleEvent(action ToggleAction, reason, requestedBy string) *AutomationToggleEvent {
	return &AutomationToggleEvent{
		BaseEvent:   NewBaseEvent(EventTypeAutomationToggle),
		Action:      action,
		Reason:      reason,
		RequestedBy: requestedBy,
	}
}

// NewAutomationStateChangedEvent creates an automation state changed event.
func NewAutomationStateChangedEvent(enabled, previousEnabled bool, reason, requestedBy string, changedAt time.Time) *AutomationStateChangedEvent {
	return &AutomationStateChangedEvent{
		BaseEvent:       NewBaseEvent(EventTypeAutomationStateChanged),
		Enabled:         enabled,
		PreviousEnabled: previousEnabled,
		Reason:          reason,
		RequestedBy:     requestedBy,
		ChangedAt:       changedAt,
	}
}
