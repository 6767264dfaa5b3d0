package regime_test

import (
	"testing"
	"time"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/regime"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

func testConfig() regime.ClassifierConfig {
	config := regime.DefaultClassifierConfig()
	config.WarmupBars = 20
	config.BBThresholdLen = 50
	return config
}

// trendBars produces a deterministic rising series with mild oscillation so
// indicators see both gains and losses.
func trendBars(n int) []types.Candle {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Candle, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		step := 0.8
		if i%5 == 4 {
			step = -0.3
		}
		open := price
		price += step
		bars = append(bars, types.Candle{
			Time:   start.Add(time.Duration(i) * 5 * time.Minute),
			Open:   open,
			High:   maxF(open, price) + 0.2,
			Low:    minF(open, price) - 0.2,
			Close:  price,
			Volume: 1000,
		})
	}
	return bars
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func TestClassifierWarmupWindow(t *testing.T) {
	config := testConfig()
	c := regime.NewClassifier(config)

	for i, bar := range trendBars(config.WarmupBars) {
		snap := c.Update(bar)
		if !snap.WarmingUp {
			t.Fatalf("Bar %d inside the warmup window should report warming up", i)
		}
		if snap.Regime != types.RegimeWarmingUp {
			t.Fatalf("Bar %d regime = %s, want warming_up", i, snap.Regime)
		}
	}
}

func TestClassifierDeterministicReplay(t *testing.T) {
	bars := trendBars(120)

	a := regime.NewClassifier(testConfig())
	b := regime.NewClassifier(testConfig())

	for i, bar := range bars {
		snapA := a.Update(bar)
		snapB := b.Update(bar)
		if snapA != snapB {
			t.Fatalf("Replay diverged at bar %d: %+v vs %+v", i, snapA, snapB)
		}
	}
}

func TestClassifierCommitsBullInUptrend(t *testing.T) {
	config := testConfig()
	c := regime.NewClassifier(config)

	var last regime.Snapshot
	for _, bar := range trendBars(120) {
		last = c.Update(bar)
	}

	if last.WarmingUp {
		t.Fatal("120 bars should clear a 20-bar warmup")
	}
	if !last.Regime.IsBull() {
		t.Errorf("Sustained uptrend should commit a bull regime, got %s", last.Regime)
	}
	if c.Committed() != last.Regime {
		t.Errorf("Committed() = %s disagrees with the snapshot %s", c.Committed(), last.Regime)
	}
	if last.Confidence <= 0 || last.Confidence > 1 {
		t.Errorf("Confidence = %f, want (0, 1]", last.Confidence)
	}
}

func TestClassifierRegimeOnlyChangesOnCommit(t *testing.T) {
	config := testConfig()
	c := regime.NewClassifier(config)

	prev := types.Regime("")
	for i, bar := range trendBars(200) {
		snap := c.Update(bar)
		if snap.WarmingUp {
			continue
		}
		if prev != "" && snap.Regime != prev && !snap.Committed {
			t.Fatalf("Bar %d regime changed to %s without a commit", i, snap.Regime)
		}
		prev = snap.Regime
	}
}

func TestClassifierTransitionWindowAfterCommit(t *testing.T) {
	config := testConfig()
	config.WarmupBars = 5
	config.PersistBars = 1
	c := regime.NewClassifier(config)

	commitSeen := false
	sinceCommit := -1
	for i, bar := range trendBars(150) {
		snap := c.Update(bar)
		if snap.Committed {
			commitSeen = true
			sinceCommit = 0
			continue
		}
		if sinceCommit >= 0 {
			sinceCommit++
		}
		if snap.WarmingUp {
			continue
		}
		if sinceCommit > 0 && sinceCommit <= config.TransitionBars && !snap.IsTransition {
			t.Fatalf("Bar %d is %d bars after a commit and should be marked transition", i, sinceCommit)
		}
		if sinceCommit > config.TransitionBars && snap.IsTransition {
			t.Fatalf("Bar %d is %d bars after the last commit and should not be transition", i, sinceCommit)
		}
	}
	if !commitSeen {
		t.Fatal("Expected at least one regime commit over 150 trend bars")
	}
}

func TestClassifierPersistenceDelaysCommit(t *testing.T) {
	config := testConfig()
	config.WarmupBars = 0
	config.PersistBars = 3
	c := regime.NewClassifier(config)

	bars := trendBars(60)
	commitBar := -1
	for i, bar := range bars {
		snap := c.Update(bar)
		if snap.Committed && commitBar == -1 {
			commitBar = i
		}
	}
	if commitBar == -1 {
		t.Fatal("Uptrend never committed")
	}
	// The committed regime differs from the initial warming_up state, so at
	// least persist_bars observations of the new raw label had to accumulate.
	if commitBar < config.PersistBars-1 {
		t.Errorf("First commit on bar %d, persistence requires at least %d bars",
			commitBar, config.PersistBars)
	}
}
