// Package strategy evaluates enriched market data into entry and exit
// decisions. The evaluator service drives an opaque strategy engine and an
// entry manager that sizes the resulting signals.
package strategy

import (
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

// SignalAction says what a strategy wants done.
type SignalAction string

const (
	ActionEnter SignalAction = "enter"
	ActionExit  SignalAction = "exit"
)

// Signal is one strategy's verdict for the current tick.
type Signal struct {
	Strategy   string           `json:"strategy"`
	Magic      int64            `json:"magic"`
	Action     SignalAction     `json:"action"`
	Direction  types.Direction  `json:"direction"`
	EntryPrice float64          `json:"entry_price"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
	TPTargets  []types.TPTarget `json:"tp_targets,omitempty"`
	Confidence float64          `json:"confidence"`
	Reason     string           `json:"reason"`
}

// Results holds the per-strategy signals of one evaluation.
type Results struct {
	Signals map[string][]Signal `json:"signals"`
}

// Engine is the opaque strategy engine the evaluator drives. rows maps
// timeframe to the recent enriched rows, oldest first.
type Engine interface {
	Evaluate(rows map[string][]types.EnrichedRow) (*Results, error)
}

// Strategy is a single rule set evaluated per tick.
type Strategy interface {
	Name() string
	Magic() int64
	Evaluate(rows map[string][]types.EnrichedRow) []Signal
}

// CompositeEngine runs a fixed list of strategies.
type CompositeEngine struct {
	strategies []Strategy
}

// NewCompositeEngine creates an engine over the given strategies.
func NewCompositeEngine(strategies ...Strategy) *CompositeEngine {
	return &CompositeEngine{strategies: strategies}
}

// Evaluate collects every strategy's signals.
func (e *CompositeEngine) Evaluate(rows map[string][]types.EnrichedRow) (*Results, error) {
	results := &Results{Signals: make(map[string][]Signal, len(e.strategies))}
	for _, s := range e.strategies {
		if signals := s.Evaluate(rows); len(signals) > 0 {
			results.Signals[s.Name()] = signals
		}
	}
	return results, nil
}

// latestRow returns the newest row for the timeframe, or false when the
// buffer is empty.
func latestRow(rows map[string][]types.EnrichedRow, timeframe string) (types.EnrichedRow, bool) {
	frame := rows[timeframe]
	if len(frame) == 0 {
		return types.EnrichedRow{}, false
	}
	return frame[len(frame)-1], true
}

// RegimeMomentum trades in the direction of an expanding regime, confirmed
// by the MACD histogram, and exits when the committed regime flips against
// the position.
type RegimeMomentum struct {
	name      string
	magic     int64
	timeframe string
	atrMult   float64
}

// NewRegimeMomentum creates the momentum strategy on one timeframe.
func NewRegimeMomentum(magic int64, timeframe string) *RegimeMomentum {
	return &RegimeMomentum{
		name:      "regime_momentum",
		magic:     magic,
		timeframe: timeframe,
		atrMult:   2,
	}
}

func (s *RegimeMomentum) Name() string { return s.name }
func (s *RegimeMomentum) Magic() int64 { return s.magic }

func (s *RegimeMomentum) Evaluate(rows map[string][]types.EnrichedRow) []Signal {
	row, ok := latestRow(rows, s.timeframe)
	if !ok || row.Regime == types.RegimeWarmingUp || row.ATR14 == nil || row.MACDHist == nil {
		return nil
	}

	atr := *row.ATR14
	hist := *row.MACDHist

	var signals []Signal
	switch {
	case row.Regime == types.RegimeBullExpansion && hist > 0:
		signals = append(signals, Signal{
			Strategy:   s.name,
			Magic:      s.magic,
			Action:     ActionEnter,
			Direction:  types.DirectionLong,
			EntryPrice: row.Close,
			StopLoss:   row.Close - s.atrMult*atr,
			TakeProfit: row.Close + 2*s.atrMult*atr,
			Confidence: row.RegimeConfidence,
			Reason:     "bull expansion with macd confirmation",
		})
	case row.Regime == types.RegimeBearExpansion && hist < 0:
		signals = append(signals, Signal{
			Strategy:   s.name,
			Magic:      s.magic,
			Action:     ActionEnter,
			Direction:  types.DirectionShort,
			EntryPrice: row.Close,
			StopLoss:   row.Close + s.atrMult*atr,
			TakeProfit: row.Close - 2*s.atrMult*atr,
			Confidence: row.RegimeConfidence,
			Reason:     "bear expansion with macd confirmation",
		})
	}

	// Exit the opposite side on a committed flip.
	if row.Regime.IsBear() {
		signals = append(signals, Signal{
			Strategy:  s.name,
			Magic:     s.magic,
			Action:    ActionExit,
			Direction: types.DirectionLong,
			Reason:    "regime flipped bearish",
		})
	}
	if row.Regime.IsBull() {
		signals = append(signals, Signal{
			Strategy:  s.name,
			Magic:     s.magic,
			Action:    ActionExit,
			Direction: types.DirectionShort,
			Reason:    "regime flipped bullish",
		})
	}
	return signals
}

// RSIReversion fades RSI extremes when the regime does not contradict the
// reversion, and exits once RSI crosses back through the midline.
type RSIReversion struct {
	name      string
	magic     int64
	timeframe string
	lower     float64
	upper     float64
	atrMult   float64
}

// NewRSIReversion creates the reversion strategy on one timeframe.
func NewRSIReversion(magic int64, timeframe string) *RSIReversion {
	return &RSIReversion{
		name:      "rsi_reversion",
		magic:     magic,
		timeframe: timeframe,
		lower:     30,
		upper:     70,
		atrMult:   2,
	}
}

func (s *RSIReversion) Name() string { return s.name }
func (s *RSIReversion) Magic() int64 { return s.magic }

func (s *RSIReversion) Evaluate(rows map[string][]types.EnrichedRow) []Signal {
	row, ok := latestRow(rows, s.timeframe)
	if !ok || row.Regime == types.RegimeWarmingUp || row.ATR14 == nil {
		return nil
	}

	atr := *row.ATR14

	var signals []Signal
	switch {
	case row.RSI14 < s.lower && !row.Regime.IsBear():
		signals = append(signals, Signal{
			Strategy:   s.name,
			Magic:      s.magic,
			Action:     ActionEnter,
			Direction:  types.DirectionLong,
			EntryPrice: row.Close,
			StopLoss:   row.Close - s.atrMult*atr,
			TakeProfit: row.Close + 2*s.atrMult*atr,
			Confidence: (s.lower - row.RSI14) / s.lower,
			Reason:     "rsi oversold",
		})
	case row.RSI14 > s.upper && !row.Regime.IsBull():
		signals = append(signals, Signal{
			Strategy:   s.name,
			Magic:      s.magic,
			Action:     ActionEnter,
			Direction:  types.DirectionShort,
			EntryPrice: row.Close,
			StopLoss:   row.Close + s.atrMult*atr,
			TakeProfit: row.Close - 2*s.atrMult*atr,
			Confidence: (row.RSI14 - s.upper) / (100 - s.upper),
			Reason:     "rsi overbought",
		})
	}

	if row.RSI14 >= 50 {
		signals = append(signals, Signal{
			Strategy:  s.name,
			Magic:     s.magic,
			Action:    ActionExit,
			Direction: types.DirectionLong,
			Reason:    "rsi crossed midline",
		})
	}
	if row.RSI14 <= 50 {
		signals = append(signals, Signal{
			Strategy:  s.name,
			Magic:     s.magic,
			Action:    ActionExit,
			Direction: types.DirectionShort,
			Reason:    "rsi crossed midline",
		})
	}
	return signals
}
