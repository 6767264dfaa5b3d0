package risk_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/broker"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/risk"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestGuard(t *testing.T, brk broker.Broker) (*risk.Guard, *events.Bus, *time.Time) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())

	config := risk.DefaultGuardConfig()
	config.DailyLossLimit = d(500)
	config.MaxDrawdownPct = 10

	g, err := risk.NewGuard(zap.NewNop(), bus, brk, config)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	return g, bus, &now
}

func TestGuardStartsActive(t *testing.T) {
	g, _, _ := newTestGuard(t, nil)

	g.UpdateAccountMetrics(d(10000), 0, decimal.Zero)

	if g.Status() != risk.StatusActive {
		t.Errorf("Status = %s, want active", g.Status())
	}
	if !g.IsTradingAllowed() {
		t.Error("Fresh guard should allow trading")
	}

	m := g.Metrics()
	if !m.StartingBalance.Equal(d(10000)) || !m.PeakBalance.Equal(d(10000)) {
		t.Errorf("First update should initialize starting and peak balance: %+v", m)
	}
	if !m.DailyPnL.IsZero() {
		t.Errorf("DailyPnL = %s, want 0", m.DailyPnL)
	}
}

func TestDailyLossBreach(t *testing.T) {
	g, bus, _ := newTestGuard(t, nil)

	var breaches []*events.RiskLimitBreachedEvent
	bus.Subscribe(events.EventTypeRiskLimitBreached, func(e events.Event) error {
		breaches = append(breaches, e.(*events.RiskLimitBreachedEvent))
		return nil
	})

	g.UpdateAccountMetrics(d(10000), 0, decimal.Zero)
	g.UpdateAccountMetrics(d(9600), 0, decimal.Zero)
	if g.Status() != risk.StatusActive {
		t.Fatalf("400 down is inside the 500 limit, status %s", g.Status())
	}

	g.UpdateAccountMetrics(d(9500), 0, decimal.Zero)
	if g.Status() != risk.StatusDailyLossBreached {
		t.Fatalf("500 down should breach the daily loss limit, status %s", g.Status())
	}
	if g.IsTradingAllowed() {
		t.Error("Breached guard must not allow trading")
	}
	if len(breaches) != 1 {
		t.Fatalf("Expected 1 breach event, got %d", len(breaches))
	}
	if breaches[0].Status != string(risk.StatusDailyLossBreached) {
		t.Errorf("Breach status = %s, want daily_loss_breached", breaches[0].Status)
	}

	// Further updates inside the same episode stay silent.
	g.UpdateAccountMetrics(d(9400), 0, decimal.Zero)
	if len(breaches) != 1 {
		t.Errorf("Same episode must not re-announce, got %d events", len(breaches))
	}
}

func TestDailyLossCheckedBeforeDrawdown(t *testing.T) {
	g, bus, _ := newTestGuard(t, nil)

	var breaches []*events.RiskLimitBreachedEvent
	bus.Subscribe(events.EventTypeRiskLimitBreached, func(e events.Event) error {
		breaches = append(breaches, e.(*events.RiskLimitBreachedEvent))
		return nil
	})

	// An 11% drop from 10000 violates both limits at once.
	g.UpdateAccountMetrics(d(10000), 0, decimal.Zero)
	g.UpdateAccountMetrics(d(8900), 0, decimal.Zero)

	if g.Status() != risk.StatusDailyLossBreached {
		t.Errorf("Daily loss is evaluated first, status %s", g.Status())
	}
	if len(breaches) != 1 {
		t.Errorf("Expected a single breach event, got %d", len(breaches))
	}
}

func TestDrawdownBreach(t *testing.T) {
	// Large daily limit so only drawdown can trip.
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	config := risk.DefaultGuardConfig()
	config.DailyLossLimit = d(100000)
	config.MaxDrawdownPct = 10
	g2, err := risk.NewGuard(zap.NewNop(), bus, nil, config)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	g2.SetClock(func() time.Time { return now })

	g2.UpdateAccountMetrics(d(10000), 0, decimal.Zero)
	g2.UpdateAccountMetrics(d(12000), 0, decimal.Zero) // new peak
	g2.UpdateAccountMetrics(d(11000), 0, decimal.Zero) // -8.3% from peak
	if g2.Status() != risk.StatusActive {
		t.Fatalf("8.3%% drawdown is inside the limit, status %s", g2.Status())
	}

	g2.UpdateAccountMetrics(d(10800), 0, decimal.Zero) // -10% from peak
	if g2.Status() != risk.StatusDrawdownBreached {
		t.Errorf("10%% drawdown should breach, status %s", g2.Status())
	}
}

func TestBreachFlattensPositions(t *testing.T) {
	paperCfg := broker.DefaultPaperConfig()
	paperCfg.SpreadBps = 0
	paperCfg.SlippageBps = 0
	paper := broker.NewPaperBroker(zap.NewNop(), paperCfg)
	paper.SetPrice("EURUSD", 1.0)
	_, _, err := paper.ExecuteTradingCycle(&types.Trades{Entries: []types.EntryDecision{{
		Symbol:       "EURUSD",
		StrategyName: "test_strategy",
		Magic:        140001,
		Direction:    types.DirectionLong,
		PositionSize: decimal.NewFromFloat(0.5),
	}}})
	if err != nil {
		t.Fatalf("Setup trade failed: %v", err)
	}

	g, _, _ := newTestGuard(t, paper)
	g.UpdateAccountMetrics(d(10000), 1, d(1))
	g.UpdateAccountMetrics(d(9000), 1, d(1))

	positions, _ := paper.OpenPositions()
	if len(positions) != 0 {
		t.Errorf("Breach with close_positions_on_breach should flatten, %d open", len(positions))
	}
}

func TestDailyResetClearsLossBreach(t *testing.T) {
	g, _, now := newTestGuard(t, nil)

	g.UpdateAccountMetrics(d(10000), 0, decimal.Zero)
	g.UpdateAccountMetrics(d(9500), 0, decimal.Zero)
	if g.Status() != risk.StatusDailyLossBreached {
		t.Fatalf("Setup breach failed, status %s", g.Status())
	}

	// Cross midnight: the reset rebases the window on the current balance.
	*now = time.Date(2024, 3, 2, 0, 0, 1, 0, time.UTC)
	g.UpdateAccountMetrics(d(9500), 0, decimal.Zero)

	if g.Status() != risk.StatusActive {
		t.Errorf("Daily reset should clear the loss breach, status %s", g.Status())
	}
	m := g.Metrics()
	if !m.StartingBalance.Equal(d(9500)) {
		t.Errorf("Reset should rebase the starting balance, got %s", m.StartingBalance)
	}
	if !m.DailyPnL.IsZero() {
		t.Errorf("DailyPnL after reset = %s, want 0", m.DailyPnL)
	}
	if !g.IsTradingAllowed() {
		t.Error("Guard should trade again after the reset")
	}
}

func TestResetDoesNotClearDrawdownBreach(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())
	config := risk.DefaultGuardConfig()
	config.DailyLossLimit = d(100000)
	config.MaxDrawdownPct = 10
	g, err := risk.NewGuard(zap.NewNop(), bus, nil, config)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	g.UpdateAccountMetrics(d(10000), 0, decimal.Zero)
	g.UpdateAccountMetrics(d(8500), 0, decimal.Zero)
	if g.Status() != risk.StatusDrawdownBreached {
		t.Fatalf("Setup breach failed, status %s", g.Status())
	}

	now = time.Date(2024, 3, 2, 0, 0, 1, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	g.UpdateAccountMetrics(d(8500), 0, decimal.Zero)

	// Drawdown is measured against the all-time peak, not the daily window.
	if g.Status() != risk.StatusDrawdownBreached {
		t.Errorf("Drawdown breach should survive the daily reset, status %s", g.Status())
	}
}

func TestManualStopIsSticky(t *testing.T) {
	g, bus, _ := newTestGuard(t, nil)

	breaches := 0
	bus.Subscribe(events.EventTypeRiskLimitBreached, func(e events.Event) error {
		breaches++
		return nil
	})

	g.UpdateAccountMetrics(d(10000), 0, decimal.Zero)
	g.ManualStop("operator halt")

	if g.Status() != risk.StatusManuallyStopped {
		t.Fatalf("Status = %s, want manually_stopped", g.Status())
	}
	if breaches != 1 {
		t.Errorf("Manual stop should announce itself, got %d events", breaches)
	}

	// A profitable update does not un-stop the guard.
	g.UpdateAccountMetrics(d(11000), 0, decimal.Zero)
	if g.Status() != risk.StatusManuallyStopped {
		t.Errorf("Manual stop must be sticky, status %s", g.Status())
	}
	if g.IsTradingAllowed() {
		t.Error("Stopped guard must not allow trading")
	}
}

func TestManualResumeRecovers(t *testing.T) {
	g, _, _ := newTestGuard(t, nil)

	g.UpdateAccountMetrics(d(10000), 0, decimal.Zero)
	g.ManualStop("operator halt")

	g.ManualResume()
	if g.Status() != risk.StatusRecovering {
		t.Fatalf("Resume should enter recovering, status %s", g.Status())
	}
	if g.IsTradingAllowed() {
		t.Error("Recovering guard does not trade yet")
	}

	// The next breach-free update promotes recovering to active.
	g.UpdateAccountMetrics(d(10000), 0, decimal.Zero)
	if g.Status() != risk.StatusActive {
		t.Errorf("Breach-free update should promote to active, status %s", g.Status())
	}
	if !g.IsTradingAllowed() {
		t.Error("Recovered guard should trade")
	}
}

func TestResumeWhileStillBreachedReArms(t *testing.T) {
	g, bus, _ := newTestGuard(t, nil)

	breaches := 0
	bus.Subscribe(events.EventTypeRiskLimitBreached, func(e events.Event) error {
		breaches++
		return nil
	})

	g.UpdateAccountMetrics(d(10000), 0, decimal.Zero)
	g.UpdateAccountMetrics(d(9400), 0, decimal.Zero)
	if breaches != 1 {
		t.Fatalf("Setup breach failed, %d events", breaches)
	}

	// Resuming while the loss persists re-breaches as a fresh episode.
	g.ManualResume()
	g.UpdateAccountMetrics(d(9400), 0, decimal.Zero)

	if g.Status() != risk.StatusDailyLossBreached {
		t.Errorf("Persisting loss should re-breach, status %s", g.Status())
	}
	if breaches != 2 {
		t.Errorf("Re-breach should announce again, got %d events", breaches)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())

	config := risk.DefaultGuardConfig()
	config.Timezone = "Not/AZone"
	if _, err := risk.NewGuard(zap.NewNop(), bus, nil, config); err == nil {
		t.Error("Unknown timezone should be rejected")
	}

	config = risk.DefaultGuardConfig()
	config.DailyResetCron = "not a cron"
	if _, err := risk.NewGuard(zap.NewNop(), bus, nil, config); err == nil {
		t.Error("Malformed reset cron should be rejected")
	}
}
