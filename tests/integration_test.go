// Package integration_test drives the full trading pipeline end to end:
// scripted market data through fetcher, regime engine, evaluator, executor,
// paper broker and position monitor over a single event bus.
package integration_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/automation"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/broker"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/execution"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/market"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/monitor"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/regime"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/risk"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/strategy"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

// onceEngine emits a scripted entry exactly once when armed, then goes quiet.
type onceEngine struct {
	armed   bool
	results *strategy.Results
}

func (e *onceEngine) Evaluate(map[string][]types.EnrichedRow) (*strategy.Results, error) {
	if !e.armed {
		return nil, nil
	}
	e.armed = false
	return e.results, nil
}

func longEntryResults() *strategy.Results {
	return &strategy.Results{
		Signals: map[string][]strategy.Signal{
			"trend_follow": {{
				Strategy:   "trend_follow",
				Magic:      140001,
				Action:     strategy.ActionEnter,
				Direction:  types.DirectionLong,
				EntryPrice: 1.5,
				StopLoss:   1.0,
				TakeProfit: 3.0,
			}},
		},
	}
}

func candle(seq int, close float64) types.Candle {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(seq) * 5 * time.Minute)
	return types.Candle{Time: at, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 1000}
}

// pipeline is one symbol's full stack wired over a shared bus, with scripted
// data and a frictionless paper broker so every number is exact.
type pipeline struct {
	bus       *events.Bus
	source    *market.SliceSource
	broker    *broker.PaperBroker
	manager   *automation.Manager
	engine    *onceEngine
	fetcher   *market.Fetcher
	regime    *regime.Engine
	evaluator *strategy.Evaluator
	executor  *execution.Executor
	monitor   *monitor.Monitor

	nextBar int
}

func newPipeline(t *testing.T, automationOn bool) *pipeline {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(logger, events.DefaultBusConfig())

	contractSize := decimal.NewFromInt(200)

	brk := broker.NewPaperBroker(logger, broker.PaperConfig{
		StartingBalance:  decimal.NewFromInt(10000),
		LotStep:          decimal.NewFromFloat(0.01),
		MinVolume:        decimal.NewFromFloat(0.01),
		MaxOrderVolume:   decimal.NewFromInt(10),
		ContractSize:     contractSize,
		MaxOpenPositions: 20,
	})
	brk.SetPrice("EURUSD", 1.5)

	autoMgr := automation.NewManager(logger, bus, automation.ManagerConfig{
		StateFile:      filepath.Join(t.TempDir(), "state.json"),
		DefaultEnabled: automationOn,
	})
	if err := autoMgr.Start(); err != nil {
		t.Fatalf("Start automation manager failed: %v", err)
	}

	source := market.NewSliceSource()

	engineCfg := regime.DefaultEngineConfig("EURUSD", []string{"M5"})
	engineCfg.SeedHistory = false

	managerCfg := strategy.DefaultManagerConfig("EURUSD")
	managerCfg.ContractSize = contractSize

	monitorCfg := monitor.DefaultConfig("EURUSD")
	monitorCfg.ContractSize = contractSize

	ruleEngine := &onceEngine{results: longEntryResults()}

	p := &pipeline{
		bus:     bus,
		source:  source,
		broker:  brk,
		manager: autoMgr,
		engine:  ruleEngine,
		fetcher: market.NewFetcher(logger, bus, source, market.DefaultFetcherConfig("EURUSD", []string{"M5"})),
		regime:  regime.NewEngine(logger, bus, source, engineCfg),
		evaluator: strategy.NewEvaluator(logger, bus, ruleEngine,
			strategy.NewEntryManager(managerCfg), brk, autoMgr,
			strategy.DefaultEvaluatorConfig("EURUSD")),
		executor: execution.NewExecutor(logger, bus, brk, autoMgr, execution.DefaultExecutorConfig("EURUSD")),
		monitor:  monitor.NewMonitor(logger, bus, brk, nil, monitorCfg),
	}

	for _, start := range []func() error{
		p.fetcher.Start, p.regime.Start, p.evaluator.Start, p.executor.Start, p.monitor.Start,
	} {
		if err := start(); err != nil {
			t.Fatalf("Pipeline start failed: %v", err)
		}
	}
	t.Cleanup(func() {
		p.monitor.Stop()
		p.executor.Stop()
		p.evaluator.Stop()
		p.regime.Stop()
		p.fetcher.Stop()
		p.manager.Stop()
	})

	// Seed enough bars that the first fetch has a closed reference candle.
	bars := make([]types.Candle, 0, 5)
	for p.nextBar < 5 {
		bars = append(bars, candle(p.nextBar, 1.5))
		p.nextBar++
	}
	source.SetFrame("EURUSD", "M5", bars)
	return p
}

// tick appends one bar and polls, pushing one new closed candle through the
// fetcher into the indicator engine.
func (p *pipeline) tick() {
	p.source.Append("EURUSD", "M5", candle(p.nextBar, 1.5))
	p.nextBar++
	p.fetcher.Fetch()
}

func TestPipelineOpensAndLaddersOut(t *testing.T) {
	p := newPipeline(t, true)

	var placed []*events.OrderPlacedEvent
	var hits []*events.TPLevelHitEvent
	var partials []*events.PositionPartiallyClosedEvent
	var moves []*events.StopLossMovedEvent
	p.bus.Subscribe(events.EventTypeOrderPlaced, func(e events.Event) error {
		placed = append(placed, e.(*events.OrderPlacedEvent))
		return nil
	})
	p.bus.Subscribe(events.EventTypeTPLevelHit, func(e events.Event) error {
		hits = append(hits, e.(*events.TPLevelHitEvent))
		return nil
	})
	p.bus.Subscribe(events.EventTypePositionPartiallyClosed, func(e events.Event) error {
		partials = append(partials, e.(*events.PositionPartiallyClosedEvent))
		return nil
	})
	p.bus.Subscribe(events.EventTypeStopLossMoved, func(e events.Event) error {
		moves = append(moves, e.(*events.StopLossMovedEvent))
		return nil
	})

	// Three closed candles build the minimum row depth; the armed strategy
	// fires on the third.
	p.fetcher.Fetch()
	p.tick()
	p.engine.armed = true
	p.tick()

	if len(placed) != 1 {
		t.Fatalf("Expected 1 order placed, got %d", len(placed))
	}
	positions, err := p.broker.OpenPositions()
	if err != nil || len(positions) != 1 {
		t.Fatalf("Expected 1 open position, got %d (%v)", len(positions), err)
	}
	// Risk sizing: 1% of 10000 over a 0.5 stop distance at contract size 200.
	if !positions[0].Volume.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Position volume = %s, want 1", positions[0].Volume)
	}

	// First ladder rung at 1.5R: half off, stop to breakeven.
	p.broker.SetPrice("EURUSD", 2.25)
	p.monitor.CheckPositions()

	if len(hits) != 1 || hits[0].Level != 0 {
		t.Fatalf("Expected first ladder level hit, got %+v", hits)
	}
	if len(partials) != 1 {
		t.Fatalf("Expected 1 partial close, got %d", len(partials))
	}
	if !partials[0].ClosedVolume.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("Closed volume = %s, want 0.5", partials[0].ClosedVolume)
	}
	if !partials[0].Profit.Equal(decimal.NewFromInt(75)) {
		t.Errorf("Partial profit = %s, want 75", partials[0].Profit)
	}
	if len(moves) != 1 || moves[0].NewLevel != 1.5 {
		t.Fatalf("Stop should move to the open price, got %+v", moves)
	}

	// Second rung at 3R clears the remainder.
	p.broker.SetPrice("EURUSD", 3.0)
	p.monitor.CheckPositions()

	if len(hits) != 2 {
		t.Fatalf("Expected both ladder levels hit, got %d", len(hits))
	}
	positions, _ = p.broker.OpenPositions()
	if len(positions) != 0 {
		t.Errorf("Broker should be flat after the ladder completes, got %d positions", len(positions))
	}

	// 75 on the first rung plus 150 on the second, no costs configured.
	balance, _ := p.broker.Balance()
	if !balance.Equal(decimal.NewFromInt(10225)) {
		t.Errorf("Final balance = %s, want 10225", balance)
	}
}

func twoStrategyResults() *strategy.Results {
	base := strategy.Signal{
		Action:     strategy.ActionEnter,
		Direction:  types.DirectionLong,
		EntryPrice: 1.5,
		StopLoss:   1.0,
		TakeProfit: 3.0,
	}
	trend := base
	trend.Strategy = "trend_follow"
	trend.Magic = 140001
	revert := base
	revert.Strategy = "mean_revert"
	revert.Magic = 140002
	return &strategy.Results{Signals: map[string][]strategy.Signal{
		"trend_follow": {trend},
		"mean_revert":  {revert},
	}}
}

// volatileKeys are per-run identifiers and wall-clock stamps. Everything
// else in an event must replay identically.
var volatileKeys = map[string]bool{
	"id":             true,
	"timestamp":      true,
	"correlation_id": true,
	"group_id":       true,
	"decision_time":  true,
	"opened_at":      true,
	"changed_at":     true,
}

func scrubVolatile(v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, inner := range val {
			if volatileKeys[k] {
				delete(val, k)
				continue
			}
			scrubVolatile(inner)
		}
	case []interface{}:
		for _, inner := range val {
			scrubVolatile(inner)
		}
	}
}

func fingerprint(t *testing.T, e events.Event) string {
	t.Helper()
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal event failed: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal event failed: %v", err)
	}
	scrubVolatile(m)
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal fingerprint failed: %v", err)
	}
	return string(out)
}

// scriptedRun drives the full pipeline through entry, both ladder rungs and
// flat, recording a scrubbed fingerprint of every bus event in order.
func scriptedRun(t *testing.T) []string {
	t.Helper()
	p := newPipeline(t, true)
	p.engine.results = twoStrategyResults()

	var sequence []string
	p.bus.SubscribeAll(func(e events.Event) error {
		sequence = append(sequence, fingerprint(t, e))
		return nil
	})

	p.fetcher.Fetch()
	p.tick()
	p.engine.armed = true
	p.tick()

	p.broker.SetPrice("EURUSD", 2.25)
	p.monitor.CheckPositions()
	p.broker.SetPrice("EURUSD", 3.0)
	p.monitor.CheckPositions()
	return sequence
}

func TestPipelineReplaysDeterministically(t *testing.T) {
	first := scriptedRun(t)
	second := scriptedRun(t)

	if len(first) == 0 {
		t.Fatal("Scripted run produced no events")
	}
	if len(first) != len(second) {
		t.Fatalf("Event counts diverge: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Event %d diverges between runs:\nfirst:  %s\nsecond: %s", i, first[i], second[i])
		}
	}
}

func TestPipelineRespectsAutomationToggle(t *testing.T) {
	p := newPipeline(t, false)

	rejected := 0
	p.bus.Subscribe(events.EventTypeOrderRejected, func(e events.Event) error {
		rejected++
		return nil
	})

	p.fetcher.Fetch()
	p.tick()
	p.engine.armed = true
	p.tick()

	positions, _ := p.broker.OpenPositions()
	if len(positions) != 0 {
		t.Fatalf("Disabled automation must not open positions, got %d", len(positions))
	}
	if got := p.evaluator.CounterValue(strategy.MetricEntrySignalsSuppressed); got != 1 {
		t.Errorf("Suppression counter = %d, want 1", got)
	}
	if rejected != 0 {
		t.Errorf("Suppressed entries never reach the executor, got %d rejections", rejected)
	}

	// Flip the toggle through the bus, exactly as the file watcher would.
	p.bus.Publish(events.NewAutomationToggleEvent(events.ToggleEnable, "window open", "test"))
	if !p.manager.IsEnabled() {
		t.Fatal("Manager should be enabled after the toggle")
	}

	p.engine.armed = true
	p.tick()

	positions, _ = p.broker.OpenPositions()
	if len(positions) != 1 {
		t.Errorf("Re-enabled pipeline should trade, got %d positions", len(positions))
	}
}

func TestPipelineRiskBreachFlattens(t *testing.T) {
	p := newPipeline(t, true)

	guard, err := risk.NewGuard(zap.NewNop(), p.bus, p.broker, risk.DefaultGuardConfig())
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}

	breaches := 0
	p.bus.Subscribe(events.EventTypeRiskLimitBreached, func(e events.Event) error {
		breaches++
		return nil
	})

	// Open a position through the full pipeline.
	p.fetcher.Fetch()
	p.tick()
	p.engine.armed = true
	p.tick()

	positions, _ := p.broker.OpenPositions()
	if len(positions) != 1 {
		t.Fatalf("Expected 1 open position, got %d", len(positions))
	}

	// Prime the guard, then report a loss past the daily limit.
	guard.UpdateAccountMetrics(decimal.NewFromInt(10000), 1, decimal.Zero)
	guard.UpdateAccountMetrics(decimal.NewFromInt(9400), 1, decimal.Zero)

	if guard.IsTradingAllowed() {
		t.Error("Trading should be blocked after a daily loss breach")
	}
	if breaches != 1 {
		t.Errorf("Expected 1 breach event, got %d", breaches)
	}
	positions, _ = p.broker.OpenPositions()
	if len(positions) != 0 {
		t.Errorf("Breach should flatten the book, got %d positions", len(positions))
	}
}
