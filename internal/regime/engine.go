package regime

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/indicators"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/market"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/service"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

// Engine-specific counter names.
const (
	MetricIndicatorsCalculated  = "indicators_calculated"
	MetricRegimeChangesDetected = "regime_changes_detected"
	MetricCalculationErrors     = "calculation_errors"
)

// EngineConfig configures the enrichment engine for one symbol.
type EngineConfig struct {
	Symbol     string   `json:"symbol"`
	Timeframes []string `json:"timeframes"`
	// FrameCapacity bounds the recent-rows ring per timeframe.
	FrameCapacity int `json:"frame_capacity"`
	// SeedHistory replays HistoricalData through the update path on Start,
	// without publishing, so the classifier is warm before the first tick.
	SeedHistory bool `json:"seed_history"`
	// TrackRegimeChanges enables RegimeChanged publication.
	TrackRegimeChanges bool             `json:"track_regime_changes"`
	Classifier         ClassifierConfig `json:"classifier"`
}

// DefaultEngineConfig returns sensible defaults for a symbol.
func DefaultEngineConfig(symbol string, timeframes []string) EngineConfig {
	return EngineConfig{
		Symbol:             symbol,
		Timeframes:         timeframes,
		FrameCapacity:      6,
		SeedHistory:        true,
		TrackRegimeChanges: true,
		Classifier:         DefaultClassifierConfig(),
	}
}

// frameState is the per-timeframe enrichment state.
type frameState struct {
	classifier *Classifier
	set        *indicators.Set
	rows       []types.EnrichedRow
	prevRow    *types.EnrichedRow
	published  types.Regime
}

// Engine enriches each new candle with indicator values and the regime
// snapshot, maintains the bounded recent-rows buffers and publishes
// IndicatorsCalculated plus RegimeChanged on committed transitions. All
// state is touched only from the driver goroutine's handler chain.
type Engine struct {
	*service.Base
	config EngineConfig
	source market.Source

	frames map[string]*frameState
}

// NewEngine creates an enrichment engine. source may be nil when history
// seeding is disabled.
func NewEngine(logger *zap.Logger, bus *events.Bus, source market.Source, config EngineConfig) *Engine {
	frames := make(map[string]*frameState, len(config.Timeframes))
	for _, tf := range config.Timeframes {
		frames[tf] = &frameState{
			classifier: NewClassifier(config.Classifier),
			set:        indicators.NewSet(),
			published:  types.RegimeWarmingUp,
		}
	}

	return &Engine{
		Base:   service.NewBase("indicator_engine_"+config.Symbol, bus, logger),
		config: config,
		source: source,
		frames: frames,
	}
}

// Start seeds history when configured and subscribes to NewCandle.
func (e *Engine) Start() error {
	if err := e.MarkRunning(); err != nil {
		return err
	}

	if e.config.SeedHistory && e.source != nil {
		for _, tf := range e.config.Timeframes {
			bars, err := e.source.HistoricalData(e.config.Symbol, tf)
			if err != nil {
				e.Logger().Warn("History seed failed",
					zap.String("timeframe", tf),
					zap.Error(err),
				)
				continue
			}
			for _, bar := range bars {
				if _, err := e.process(tf, bar, false); err != nil {
					e.Logger().Warn("History seed bar rejected",
						zap.String("timeframe", tf),
						zap.Error(err),
					)
				}
			}
			e.Logger().Info("History seeded",
				zap.String("timeframe", tf),
				zap.Int("bars", len(bars)),
			)
		}
	}

	e.Subscribe(events.EventTypeNewCandle, e.onNewCandle)
	return nil
}

// Stop transitions the engine to stopped.
func (e *Engine) Stop() {
	e.Shutdown()
}

func (e *Engine) onNewCandle(event events.Event) error {
	candle, ok := event.(*events.NewCandleEvent)
	if !ok || candle.Symbol != e.config.Symbol {
		return nil
	}

	if _, err := e.process(candle.Timeframe, candle.Candle, true); err != nil {
		e.IncCounter(MetricCalculationErrors)
		e.Publish(events.NewIndicatorErrorEvent(e.config.Symbol, candle.Timeframe, err))
		return err
	}
	return nil
}

// process runs one candle through the classifier and indicator set, appends
// the enriched row and optionally publishes the pipeline events.
func (e *Engine) process(timeframe string, candle types.Candle, publish bool) (types.EnrichedRow, error) {
	frame, ok := e.frames[timeframe]
	if !ok {
		return types.EnrichedRow{}, fmt.Errorf("unknown timeframe %s for %s", timeframe, e.config.Symbol)
	}

	snap := frame.classifier.Update(candle)

	row := frame.set.Update(candle)
	row.Regime = snap.Regime
	row.RegimeConfidence = snap.Confidence
	row.IsTransition = snap.IsTransition
	if frame.prevRow != nil {
		row.PreviousRegime = frame.prevRow.Regime
	}

	frame.rows = append(frame.rows, row)
	if len(frame.rows) > e.config.FrameCapacity {
		frame.rows = frame.rows[len(frame.rows)-e.config.FrameCapacity:]
	}
	frame.prevRow = &frame.rows[len(frame.rows)-1]

	if !publish {
		frame.published = snap.Regime
		return row, nil
	}

	e.IncCounter(MetricIndicatorsCalculated)
	e.Publish(events.NewIndicatorsCalculatedEvent(e.config.Symbol, timeframe, row, e.snapshotRows()))

	if e.config.TrackRegimeChanges && !snap.WarmingUp && snap.Regime != frame.published {
		old := frame.published
		frame.published = snap.Regime
		e.IncCounter(MetricRegimeChangesDetected)
		e.Publish(events.NewRegimeChangedEvent(
			e.config.Symbol, timeframe, old, snap.Regime, snap.Confidence, true,
		))
		e.Logger().Info("Regime changed",
			zap.String("timeframe", timeframe),
			zap.String("old", string(old)),
			zap.String("new", string(snap.Regime)),
			zap.Float64("confidence", snap.Confidence),
		)
	}

	return row, nil
}

// snapshotRows deep-copies every timeframe buffer. Handlers downstream may
// hold onto the snapshot; the ring keeps mutating.
func (e *Engine) snapshotRows() map[string][]types.EnrichedRow {
	out := make(map[string][]types.EnrichedRow, len(e.frames))
	for tf, frame := range e.frames {
		rows := make([]types.EnrichedRow, len(frame.rows))
		copy(rows, frame.rows)
		out[tf] = rows
	}
	return out
}

// RecentRows returns a copy of the buffered rows for one timeframe.
func (e *Engine) RecentRows(timeframe string) []types.EnrichedRow {
	frame, ok := e.frames[timeframe]
	if !ok {
		return nil
	}
	rows := make([]types.EnrichedRow, len(frame.rows))
	copy(rows, frame.rows)
	return rows
}

// Timeframes returns the configured timeframes in driver order.
func (e *Engine) Timeframes() []string {
	out := make([]string, len(e.config.Timeframes))
	copy(out, e.config.Timeframes)
	return out
}

// CommittedRegime returns the committed regime for one timeframe.
func (e *Engine) CommittedRegime(timeframe string) types.Regime {
	frame, ok := e.frames[timeframe]
	if !ok {
		return ""
	}
	return frame.classifier.Committed()
}
