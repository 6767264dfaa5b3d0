// Package types provides shared type definitions for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents the side of a trade or position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the opposing direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// PositionType is the broker-side position side.
type PositionType string

const (
	PositionTypeBuy  PositionType = "buy"
	PositionTypeSell PositionType = "sell"
)

// Direction maps a broker position side onto a trade direction.
func (p PositionType) Direction() Direction {
	if p == PositionTypeBuy {
		return DirectionLong
	}
	return DirectionShort
}

// Regime is a categorical market state combining direction and volatility.
type Regime string

const (
	RegimeWarmingUp          Regime = "warming_up"
	RegimeBullExpansion      Regime = "bull_expansion"
	RegimeBullContraction    Regime = "bull_contraction"
	RegimeBearExpansion      Regime = "bear_expansion"
	RegimeBearContraction    Regime = "bear_contraction"
	RegimeNeutralExpansion   Regime = "neutral_expansion"
	RegimeNeutralContraction Regime = "neutral_contraction"
)

// IsBull reports whether the regime has bullish direction.
func (r Regime) IsBull() bool {
	return r == RegimeBullExpansion || r == RegimeBullContraction
}

// IsBear reports whether the regime has bearish direction.
func (r Regime) IsBear() bool {
	return r == RegimeBearExpansion || r == RegimeBearContraction
}

// Candle is a single OHLCV bar. Immutable once produced.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// EnrichedRow is a candle augmented with indicator values and regime state.
// Indicator fields are nil while the underlying calculator has not seen
// enough observations.
type EnrichedRow struct {
	Candle

	EMA20  *float64 `json:"ema_20"`
	EMA50  *float64 `json:"ema_50"`
	EMA200 *float64 `json:"ema_200"`

	RSI14 float64 `json:"rsi_14"`

	ATR14 *float64 `json:"atr_14"`
	ATR50 *float64 `json:"atr_50"`

	BBWidth float64 `json:"bb_width"`

	MACDLine   *float64 `json:"macd_line"`
	MACDSignal *float64 `json:"macd_signal"`
	MACDHist   *float64 `json:"macd_hist"`

	Regime           Regime  `json:"regime"`
	RegimeConfidence float64 `json:"regime_confidence"`
	IsTransition     bool    `json:"is_transition"`

	PreviousClose  *float64 `json:"previous_close,omitempty"`
	PreviousRegime Regime   `json:"previous_regime,omitempty"`
}

// StopLoss describes the protective stop of an entry decision.
type StopLoss struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

// TPTarget is one rung of a take-profit ladder.
type TPTarget struct {
	Level    float64 `json:"level"`
	Percent  float64 `json:"percent"`
	MoveStop bool    `json:"move_stop"`
}

// TakeProfit describes the profit target of an entry decision, optionally
// with a ladder of partial-close targets.
type TakeProfit struct {
	Type    string     `json:"type"`
	Level   float64    `json:"level"`
	Targets []TPTarget `json:"targets,omitempty"`
}

// EntryDecision is a fully specified request to open a position.
type EntryDecision struct {
	Symbol       string          `json:"symbol"`
	StrategyName string          `json:"strategy_name"`
	Magic        int64           `json:"magic"`
	Direction    Direction       `json:"direction"`
	EntryPrice   float64         `json:"entry_price"`
	PositionSize decimal.Decimal `json:"position_size"`
	StopLoss     StopLoss        `json:"stop_loss"`
	TakeProfit   TakeProfit      `json:"take_profit"`
	DecisionTime time.Time       `json:"decision_time"`
}

// ExitDecision is a request to close the positions a strategy owns.
type ExitDecision struct {
	Symbol       string    `json:"symbol"`
	StrategyName string    `json:"strategy_name"`
	Magic        int64     `json:"magic"`
	Direction    Direction `json:"direction"`
	DecisionTime time.Time `json:"decision_time"`
}

// Trades is one evaluator tick's atomic batch of decisions.
type Trades struct {
	Entries []EntryDecision `json:"entries"`
	Exits   []ExitDecision  `json:"exits"`
}

// IsEmpty reports whether the batch carries no decisions.
func (t *Trades) IsEmpty() bool {
	return t == nil || (len(t.Entries) == 0 && len(t.Exits) == 0)
}

// RetcodeDone is the broker return code denoting success.
const RetcodeDone = 10009

// BrokerPosition is an open position as reported by the broker adapter.
type BrokerPosition struct {
	Ticket     int64           `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Type       PositionType    `json:"type"`
	Volume     decimal.Decimal `json:"volume"`
	PriceOpen  float64         `json:"price_open"`
	StopLoss   *float64        `json:"sl,omitempty"`
	TakeProfit *float64        `json:"tp,omitempty"`
	Magic      int64           `json:"magic"`
	Comment    string          `json:"comment,omitempty"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// PriceQuote is a bid/ask pair for a symbol.
type PriceQuote struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// TradeResult is the outcome of a single broker operation.
type TradeResult struct {
	Retcode int    `json:"retcode"`
	Comment string `json:"comment,omitempty"`
}

// OK reports whether the operation succeeded.
func (r TradeResult) OK() bool { return r.Retcode == RetcodeDone }

// TradingContext is the broker's verdict for one trading cycle.
type TradingContext struct {
	TradeAuthorized   bool            `json:"trade_authorized"`
	NewsBlockActive   bool            `json:"news_block_active"`
	MarketClosingSoon bool            `json:"market_closing_soon"`
	RiskBreached      bool            `json:"risk_breached"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`
}

// EntryExecution reports how one entry decision was filled. Tickets is the
// authoritative list the position monitor tracks; GroupID links the child
// tickets of one decision.
type EntryExecution struct {
	Decision     EntryDecision   `json:"decision"`
	Tickets      []int64         `json:"tickets"`
	GroupID      string          `json:"group_id"`
	FilledVolume decimal.Decimal `json:"filled_volume"`
	AvgPrice     float64         `json:"avg_price"`
}

// ClosedPosition is one ticket closed while filling an exit.
type ClosedPosition struct {
	Ticket     int64           `json:"ticket"`
	Volume     decimal.Decimal `json:"volume"`
	Profit     decimal.Decimal `json:"profit"`
	ClosePrice float64         `json:"close_price"`
}

// ExitExecution reports the positions closed for one exit decision.
type ExitExecution struct {
	Decision     ExitDecision     `json:"decision"`
	Closed       []ClosedPosition `json:"closed"`
	ClosedVolume decimal.Decimal  `json:"closed_volume"`
	Profit       decimal.Decimal  `json:"profit"`
}

// ExecutionReport is the per-decision outcome of an authorized cycle.
type ExecutionReport struct {
	Entries []EntryExecution `json:"entries"`
	Exits   []ExitExecution  `json:"exits"`
}
