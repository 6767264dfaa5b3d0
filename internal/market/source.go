// Package market provides the data source abstraction and the per-symbol
// data fetcher that feeds the pipeline.
package market

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/utils"
)

// Source supplies candles for a symbol/timeframe. StreamData returns the
// most recent nbrBars including the currently forming one; HistoricalData is
// used once at startup to seed indicators and the regime classifier.
type Source interface {
	HistoricalData(symbol, timeframe string) ([]types.Candle, error)
	StreamData(symbol, timeframe string, nbrBars int) ([]types.Candle, error)
}

// SimConfig parameterises the synthetic random-walk source.
type SimConfig struct {
	Seed         int64   `json:"seed"`
	InitialPrice float64 `json:"initial_price"`
	DriftBps     float64 `json:"drift_bps"`
	VolBps       float64 `json:"vol_bps"`
	BaseVolume   float64 `json:"base_volume"`
	HistoryBars  int     `json:"history_bars"`
}

// DefaultSimConfig returns sensible defaults.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Seed:         1,
		InitialPrice: 100,
		DriftBps:     0.2,
		VolBps:       15,
		BaseVolume:   1000,
		HistoryBars:  600,
	}
}

// simSeries is the generated bar history for one (symbol, timeframe).
type simSeries struct {
	bars []types.Candle
	last float64
	rng  *rand.Rand
}

// SimSource is a deterministic synthetic OHLCV generator. Each
// (symbol, timeframe) pair gets its own seeded random walk; Advance appends
// one bar per timeframe, so repeated StreamData calls between advances see
// the same frame.
type SimSource struct {
	mu     sync.Mutex
	config SimConfig
	series map[string]*simSeries
	start  time.Time
}

// NewSimSource creates a synthetic source. Bars are timestamped backwards
// from start so the seeded history ends just before it.
func NewSimSource(config SimConfig, start time.Time) *SimSource {
	return &SimSource{
		config: config,
		series: make(map[string]*simSeries),
		start:  start,
	}
}

func seriesKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

func (s *SimSource) seriesLocked(symbol, timeframe string) (*simSeries, error) {
	key := seriesKey(symbol, timeframe)
	if sr, ok := s.series[key]; ok {
		return sr, nil
	}

	minutes, err := utils.TimeframeMinutes(timeframe)
	if err != nil {
		return nil, err
	}

	seed := s.config.Seed
	for _, c := range key {
		seed = seed*31 + int64(c)
	}

	sr := &simSeries{
		last: s.config.InitialPrice,
		rng:  rand.New(rand.NewSource(seed)),
	}

	barLen := time.Duration(minutes) * time.Minute
	first := s.start.Add(-time.Duration(s.config.HistoryBars) * barLen)
	for i := 0; i < s.config.HistoryBars; i++ {
		sr.bars = append(sr.bars, s.nextBar(sr, first.Add(time.Duration(i)*barLen)))
	}

	s.series[key] = sr
	return sr, nil
}

// nextBar draws one random-walk bar ending at the given open time.
func (s *SimSource) nextBar(sr *simSeries, at time.Time) types.Candle {
	open := sr.last
	drift := open * s.config.DriftBps / 10000
	vol := open * s.config.VolBps / 10000

	cl := open + drift + sr.rng.NormFloat64()*vol
	hi := math.Max(open, cl) + math.Abs(sr.rng.NormFloat64())*vol/2
	lo := math.Min(open, cl) - math.Abs(sr.rng.NormFloat64())*vol/2
	volume := s.config.BaseVolume * (0.5 + sr.rng.Float64())

	sr.last = cl
	return types.Candle{Time: at, Open: open, High: hi, Low: lo, Close: cl, Volume: volume}
}

// Advance appends one bar to every series for the symbol and returns the
// latest close per timeframe. The fetcher sees a new candle on its next poll.
func (s *SimSource) Advance(symbol string, timeframes []string) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	closes := make(map[string]float64, len(timeframes))
	for _, tf := range timeframes {
		sr, err := s.seriesLocked(symbol, tf)
		if err != nil {
			continue
		}
		minutes, _ := utils.TimeframeMinutes(tf)
		last := sr.bars[len(sr.bars)-1]
		next := s.nextBar(sr, last.Time.Add(time.Duration(minutes)*time.Minute))
		sr.bars = append(sr.bars, next)
		closes[tf] = next.Close
	}
	return closes
}

// HistoricalData returns the full generated history.
func (s *SimSource) HistoricalData(symbol, timeframe string) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, err := s.seriesLocked(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	out := make([]types.Candle, len(sr.bars))
	copy(out, sr.bars)
	return out, nil
}

// StreamData returns the most recent nbrBars.
func (s *SimSource) StreamData(symbol, timeframe string, nbrBars int) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, err := s.seriesLocked(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if nbrBars <= 0 || nbrBars > len(sr.bars) {
		nbrBars = len(sr.bars)
	}
	out := make([]types.Candle, nbrBars)
	copy(out, sr.bars[len(sr.bars)-nbrBars:])
	return out, nil
}

// SliceSource serves scripted bars for tests and replay. Frames are set per
// (symbol, timeframe); StreamData returns the tail of the current frame.
type SliceSource struct {
	mu     sync.Mutex
	frames map[string][]types.Candle
	errs   map[string]error
}

// NewSliceSource creates an empty scripted source.
func NewSliceSource() *SliceSource {
	return &SliceSource{
		frames: make(map[string][]types.Candle),
		errs:   make(map[string]error),
	}
}

// SetFrame replaces the bars served for a symbol/timeframe.
func (s *SliceSource) SetFrame(symbol, timeframe string, bars []types.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[seriesKey(symbol, timeframe)] = bars
}

// Append adds bars to the served frame.
func (s *SliceSource) Append(symbol, timeframe string, bars ...types.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seriesKey(symbol, timeframe)
	s.frames[key] = append(s.frames[key], bars...)
}

// FailWith makes subsequent fetches for the symbol/timeframe return err.
// A nil err clears the failure.
func (s *SliceSource) FailWith(symbol, timeframe string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, seriesKey(symbol, timeframe))
		return
	}
	s.errs[seriesKey(symbol, timeframe)] = err
}

// HistoricalData returns the whole scripted frame.
func (s *SliceSource) HistoricalData(symbol, timeframe string) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey(symbol, timeframe)
	if err := s.errs[key]; err != nil {
		return nil, err
	}
	frame, ok := s.frames[key]
	if !ok {
		return nil, fmt.Errorf("no scripted data for %s %s", symbol, timeframe)
	}
	out := make([]types.Candle, len(frame))
	copy(out, frame)
	return out, nil
}

// StreamData returns the tail of the scripted frame.
func (s *SliceSource) StreamData(symbol, timeframe string, nbrBars int) ([]types.Candle, error) {
	bars, err := s.HistoricalData(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if nbrBars > 0 && nbrBars < len(bars) {
		bars = bars[len(bars)-nbrBars:]
	}
	return bars, nil
}
