package strategy_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/strategy"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

func newTestManager() *strategy.EntryManager {
	config := strategy.DefaultManagerConfig("EURUSD")
	// A small contract keeps the sizing arithmetic exact in the assertions.
	config.ContractSize = decimal.NewFromInt(100)
	m := strategy.NewEntryManager(config)
	m.SetClock(func() time.Time {
		return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	})
	return m
}

func resultsWith(signals ...strategy.Signal) *strategy.Results {
	return &strategy.Results{Signals: map[string][]strategy.Signal{"test_strategy": signals}}
}

func TestRiskBasedSizing(t *testing.T) {
	m := newTestManager()

	trades, err := m.ManageTrades(resultsWith(enterSignal()), nil, decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("ManageTrades failed: %v", err)
	}
	if len(trades.Entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(trades.Entries))
	}

	// 1% of 10000 = 100 risked; stop distance 0.5 x contract 100 = 50 per
	// lot; 100 / 50 = 2 lots.
	entry := trades.Entries[0]
	if !entry.PositionSize.Equal(decimal.NewFromInt(2)) {
		t.Errorf("PositionSize = %s, want 2", entry.PositionSize)
	}
	if entry.StopLoss.Level != 1.0 {
		t.Errorf("StopLoss = %f, want 1.0", entry.StopLoss.Level)
	}
	if entry.DecisionTime.IsZero() {
		t.Error("DecisionTime should be stamped")
	}
}

func TestSizingClampedToMaxPosition(t *testing.T) {
	m := newTestManager()

	// Risk math would ask for 200 lots; the cap is 5.
	trades, err := m.ManageTrades(resultsWith(enterSignal()), nil, decimal.NewFromInt(1000000))
	if err != nil {
		t.Fatalf("ManageTrades failed: %v", err)
	}
	if !trades.Entries[0].PositionSize.Equal(decimal.NewFromInt(5)) {
		t.Errorf("PositionSize = %s, want the 5-lot cap", trades.Entries[0].PositionSize)
	}
}

func TestSizingFallsBackToMinVolume(t *testing.T) {
	m := newTestManager()

	trades, err := m.ManageTrades(resultsWith(enterSignal()), nil, decimal.Zero)
	if err != nil {
		t.Fatalf("ManageTrades failed: %v", err)
	}
	if !trades.Entries[0].PositionSize.Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("Unknown balance should size at the minimum, got %s", trades.Entries[0].PositionSize)
	}
}

func TestZeroStopDistanceRejected(t *testing.T) {
	m := newTestManager()

	sig := enterSignal()
	sig.StopLoss = sig.EntryPrice
	if _, err := m.ManageTrades(resultsWith(sig), nil, decimal.NewFromInt(10000)); err == nil {
		t.Error("Entry with stop at the entry price should be rejected")
	}
}

func TestDefaultLadderApplied(t *testing.T) {
	m := newTestManager()

	trades, err := m.ManageTrades(resultsWith(enterSignal()), nil, decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("ManageTrades failed: %v", err)
	}

	tp := trades.Entries[0].TakeProfit
	if len(tp.Targets) != 2 {
		t.Fatalf("Expected the 2-step default ladder, got %d targets", len(tp.Targets))
	}
	// Entry 1.5, stop 1.0: 1R = 0.5, so 1.5R = 2.25 and 3R = 3.0.
	if tp.Targets[0].Level != 2.25 || tp.Targets[0].Percent != 50 || !tp.Targets[0].MoveStop {
		t.Errorf("First rung = %+v, want level 2.25, 50%%, move stop", tp.Targets[0])
	}
	if tp.Targets[1].Level != 3.0 || tp.Targets[1].MoveStop {
		t.Errorf("Second rung = %+v, want level 3.0 without a stop move", tp.Targets[1])
	}
}

func TestExplicitLadderPreserved(t *testing.T) {
	m := newTestManager()

	sig := enterSignal()
	sig.TPTargets = []types.TPTarget{{Level: 1.75, Percent: 100}}
	trades, err := m.ManageTrades(resultsWith(sig), nil, decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("ManageTrades failed: %v", err)
	}
	targets := trades.Entries[0].TakeProfit.Targets
	if len(targets) != 1 || targets[0].Level != 1.75 {
		t.Errorf("Strategy ladder should be kept as-is, got %+v", targets)
	}
}

func TestExitDecisionMapping(t *testing.T) {
	m := newTestManager()

	trades, err := m.ManageTrades(resultsWith(exitSignal()), nil, decimal.Zero)
	if err != nil {
		t.Fatalf("ManageTrades failed: %v", err)
	}
	if len(trades.Exits) != 1 {
		t.Fatalf("Expected 1 exit, got %d", len(trades.Exits))
	}
	exit := trades.Exits[0]
	if exit.Symbol != "EURUSD" || exit.Magic != 140001 || exit.Direction != types.DirectionLong {
		t.Errorf("Exit mapping wrong: %+v", exit)
	}
}

func TestEntriesOrderedByStrategyName(t *testing.T) {
	m := newTestManager()

	named := func(name string, magic int64) strategy.Signal {
		sig := enterSignal()
		sig.Strategy = name
		sig.Magic = magic
		return sig
	}

	// Map iteration order is randomized, so repeat to catch a stray order.
	for i := 0; i < 20; i++ {
		results := &strategy.Results{Signals: map[string][]strategy.Signal{
			"rsi_reversion":   {named("rsi_reversion", 3)},
			"breakout":        {named("breakout", 1)},
			"regime_momentum": {named("regime_momentum", 2)},
		}}

		trades, err := m.ManageTrades(results, nil, decimal.NewFromInt(10000))
		if err != nil {
			t.Fatalf("ManageTrades failed: %v", err)
		}
		if len(trades.Entries) != 3 {
			t.Fatalf("Expected 3 entries, got %d", len(trades.Entries))
		}
		want := []string{"breakout", "regime_momentum", "rsi_reversion"}
		for j, name := range want {
			if trades.Entries[j].StrategyName != name {
				t.Fatalf("Entries[%d] = %q, want %q (run %d)", j, trades.Entries[j].StrategyName, name, i)
			}
		}
	}
}

func TestNilResults(t *testing.T) {
	m := newTestManager()

	trades, err := m.ManageTrades(nil, nil, decimal.Zero)
	if err != nil {
		t.Fatalf("ManageTrades failed: %v", err)
	}
	if !trades.IsEmpty() {
		t.Error("Nil results should produce an empty batch")
	}
}
