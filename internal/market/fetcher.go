package market

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/service"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

// Fetcher-specific counter names.
const (
	MetricDataFetches        = "data_fetches"
	MetricNewCandlesDetected = "new_candles_detected"
	MetricFetchErrors        = "fetch_errors"
)

// FetcherConfig configures the data fetcher for one symbol.
type FetcherConfig struct {
	Symbol     string   `json:"symbol"`
	Timeframes []string `json:"timeframes"`
	// CandleIndex selects the reference bar counted from the end of the
	// frame: 1 is the forming bar, 2 the most recent closed one.
	CandleIndex int `json:"candle_index"`
	NbrBars     int `json:"nbr_bars"`
}

// DefaultFetcherConfig returns sensible defaults for a symbol.
func DefaultFetcherConfig(symbol string, timeframes []string) FetcherConfig {
	return FetcherConfig{
		Symbol:      symbol,
		Timeframes:  timeframes,
		CandleIndex: 2,
		NbrBars:     100,
	}
}

// Fetcher polls the data source per timeframe, detects when the reference
// bar advances and publishes DataFetched / NewCandle events. Fetch is called
// by the orchestrator's driver loop; the service itself owns no goroutine.
type Fetcher struct {
	*service.Base
	config FetcherConfig
	source Source

	lastKnown map[string]types.Candle
}

// NewFetcher creates a data fetcher service.
func NewFetcher(logger *zap.Logger, bus *events.Bus, source Source, config FetcherConfig) *Fetcher {
	return &Fetcher{
		Base:      service.NewBase("data_fetcher_"+config.Symbol, bus, logger),
		config:    config,
		source:    source,
		lastKnown: make(map[string]types.Candle),
	}
}

// Start transitions the fetcher to running.
func (f *Fetcher) Start() error {
	return f.MarkRunning()
}

// Stop transitions the fetcher to stopped.
func (f *Fetcher) Stop() {
	f.Shutdown()
}

// Fetch polls every configured timeframe in order. A failure on one
// timeframe is converted into a DataFetchError event and does not stop the
// remaining timeframes.
func (f *Fetcher) Fetch() {
	for _, tf := range f.config.Timeframes {
		if err := f.fetchTimeframe(tf); err != nil {
			f.RecordError(err)
			f.IncCounter(MetricFetchErrors)
			f.Publish(events.NewDataFetchErrorEvent(f.config.Symbol, tf, err))
			f.Logger().Warn("Fetch failed",
				zap.String("timeframe", tf),
				zap.Error(err),
			)
			continue
		}
		f.ResetErrorStreak()
	}
}

func (f *Fetcher) fetchTimeframe(timeframe string) error {
	f.IncCounter(MetricDataFetches)

	bars, err := f.source.StreamData(f.config.Symbol, timeframe, f.config.NbrBars)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return fmt.Errorf("data source returned no bars for %s %s", f.config.Symbol, timeframe)
	}

	f.Publish(events.NewDataFetchedEvent(f.config.Symbol, timeframe, bars))

	if len(bars) < f.config.CandleIndex {
		return fmt.Errorf("got %d bars, need at least %d for %s %s",
			len(bars), f.config.CandleIndex, f.config.Symbol, timeframe)
	}

	candidate := bars[len(bars)-f.config.CandleIndex]
	if candidate.Time.IsZero() {
		return fmt.Errorf("candidate bar has zero timestamp for %s %s", f.config.Symbol, timeframe)
	}
	if candidate.High < candidate.Low {
		return fmt.Errorf("candidate bar has high %f below low %f for %s %s",
			candidate.High, candidate.Low, f.config.Symbol, timeframe)
	}

	last, seen := f.lastKnown[timeframe]
	if !seen || candidate.Time.After(last.Time) {
		f.lastKnown[timeframe] = candidate
		f.IncCounter(MetricNewCandlesDetected)
		f.Publish(events.NewNewCandleEvent(f.config.Symbol, timeframe, candidate))
		f.Logger().Debug("New candle detected",
			zap.String("timeframe", timeframe),
			zap.Time("bar_time", candidate.Time),
		)
	}
	return nil
}

// LastKnown returns the last recorded reference bar for a timeframe.
func (f *Fetcher) LastKnown(timeframe string) (types.Candle, bool) {
	c, ok := f.lastKnown[timeframe]
	return c, ok
}

// ResetLastKnownBars forgets recorded reference bars so the next fetch emits
// NewCandle again. An empty timeframe resets all of them. Used after restart.
func (f *Fetcher) ResetLastKnownBars(timeframe string) {
	if timeframe == "" {
		f.lastKnown = make(map[string]types.Candle)
		return
	}
	delete(f.lastKnown, timeframe)
}
