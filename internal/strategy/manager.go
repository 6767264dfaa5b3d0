package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/utils"
)

// ManagerConfig configures entry sizing and ladder defaults.
type ManagerConfig struct {
	Symbol string `json:"symbol"`
	// RiskPerTradePct is the balance fraction risked per entry, in percent.
	RiskPerTradePct float64         `json:"risk_per_trade_pct"`
	ContractSize    decimal.Decimal `json:"contract_size"`
	LotStep         decimal.Decimal `json:"lot_step"`
	MinVolume       decimal.Decimal `json:"min_volume"`
	MaxPositionSize decimal.Decimal `json:"max_position_size"`
}

// DefaultManagerConfig returns sensible defaults for a symbol.
func DefaultManagerConfig(symbol string) ManagerConfig {
	return ManagerConfig{
		Symbol:          symbol,
		RiskPerTradePct: 1,
		ContractSize:    decimal.NewFromInt(100000),
		LotStep:         decimal.NewFromFloat(0.01),
		MinVolume:       decimal.NewFromFloat(0.01),
		MaxPositionSize: decimal.NewFromInt(5),
	}
}

// EntryManager converts strategy signals into sized entry and exit
// decisions. Sizing is risk-based when a balance is known and falls back to
// the minimum volume otherwise.
type EntryManager struct {
	config ManagerConfig
	now    func() time.Time
}

// NewEntryManager creates an entry manager.
func NewEntryManager(config ManagerConfig) *EntryManager {
	return &EntryManager{config: config, now: time.Now}
}

// SetClock overrides the time source. Used in tests.
func (m *EntryManager) SetClock(now func() time.Time) { m.now = now }

// ManageTrades turns one evaluation's results into an atomic batch.
func (m *EntryManager) ManageTrades(results *Results, rows map[string][]types.EnrichedRow, balance decimal.Decimal) (*types.Trades, error) {
	trades := &types.Trades{}
	if results == nil {
		return trades, nil
	}

	// Strategy name order keeps the batch stable across identical runs.
	names := make([]string, 0, len(results.Signals))
	for name := range results.Signals {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, sig := range results.Signals[name] {
			switch sig.Action {
			case ActionEnter:
				entry, err := m.buildEntry(sig, balance)
				if err != nil {
					return nil, fmt.Errorf("size entry for %s: %w", sig.Strategy, err)
				}
				trades.Entries = append(trades.Entries, entry)
			case ActionExit:
				trades.Exits = append(trades.Exits, types.ExitDecision{
					Symbol:       m.config.Symbol,
					StrategyName: sig.Strategy,
					Magic:        sig.Magic,
					Direction:    sig.Direction,
					DecisionTime: m.now(),
				})
			}
		}
	}
	return trades, nil
}

func (m *EntryManager) buildEntry(sig Signal, balance decimal.Decimal) (types.EntryDecision, error) {
	risk := math.Abs(sig.EntryPrice - sig.StopLoss)
	if risk == 0 {
		return types.EntryDecision{}, fmt.Errorf("entry and stop are equal at %f", sig.EntryPrice)
	}

	volume := m.config.MinVolume
	if balance.GreaterThan(decimal.Zero) {
		riskAmount := balance.Mul(decimal.NewFromFloat(m.config.RiskPerTradePct)).Div(decimal.NewFromInt(100))
		raw := riskAmount.Div(decimal.NewFromFloat(risk).Mul(m.config.ContractSize))
		volume = utils.NormalizeVolume(raw, m.config.LotStep)
	}
	volume = utils.ClampDecimal(volume, m.config.MinVolume, m.config.MaxPositionSize)

	targets := sig.TPTargets
	if len(targets) == 0 {
		targets = m.defaultLadder(sig)
	}

	return types.EntryDecision{
		Symbol:       m.config.Symbol,
		StrategyName: sig.Strategy,
		Magic:        sig.Magic,
		Direction:    sig.Direction,
		EntryPrice:   sig.EntryPrice,
		PositionSize: volume,
		StopLoss:     types.StopLoss{Type: "fixed", Level: sig.StopLoss},
		TakeProfit: types.TakeProfit{
			Type:    "ladder",
			Level:   sig.TakeProfit,
			Targets: targets,
		},
		DecisionTime: m.now(),
	}, nil
}

// defaultLadder builds the two-step 50/50 ladder at 1.5R and 3R, with the
// stop moved to breakeven after the first level.
func (m *EntryManager) defaultLadder(sig Signal) []types.TPTarget {
	r := math.Abs(sig.EntryPrice - sig.StopLoss)
	dir := 1.0
	if sig.Direction == types.DirectionShort {
		dir = -1
	}
	return []types.TPTarget{
		{Level: sig.EntryPrice + dir*1.5*r, Percent: 50, MoveStop: true},
		{Level: sig.EntryPrice + dir*3*r, Percent: 50, MoveStop: false},
	}
}
