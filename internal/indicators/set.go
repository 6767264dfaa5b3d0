package indicators

import (
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/utils"
)

// Set bundles the calculators maintained for one (symbol, timeframe) stream
// and turns each closed candle into the indicator portion of an enriched
// row. Regime fields are filled in afterwards by the classifier.
type Set struct {
	ema20  *EMA
	ema50  *EMA
	ema200 *EMA
	rsi14  *RSI
	atr14  *ATR
	atr50  *ATR
	bb     *BollingerWidth
	macd   *MACD

	prevClose *float64
}

// NewSet creates the standard calculator bundle.
func NewSet() *Set {
	return &Set{
		ema20:  NewEMA(20),
		ema50:  NewEMA(50),
		ema200: NewEMA(200),
		rsi14:  NewRSI(14),
		atr14:  NewATR(14),
		atr50:  NewATR(50),
		bb:     NewBollingerWidth(20),
		macd:   NewMACD(12, 26, 9),
	}
}

// Update feeds one closed candle through every calculator and returns the
// enriched row. Unavailable values stay nil.
func (s *Set) Update(candle types.Candle) types.EnrichedRow {
	row := types.EnrichedRow{
		Candle:        candle,
		PreviousClose: s.prevClose,
	}

	s.ema20.Update(candle.Close)
	s.ema50.Update(candle.Close)
	s.ema200.Update(candle.Close)
	s.atr14.Update(candle.High, candle.Low, candle.Close)
	s.atr50.Update(candle.High, candle.Low, candle.Close)
	s.macd.Update(candle.Close)

	row.RSI14 = s.rsi14.Update(candle.Close)
	row.BBWidth = s.bb.Update(candle.Close)

	if v, ok := s.ema20.Value(); ok {
		row.EMA20 = utils.Ptr(v)
	}
	if v, ok := s.ema50.Value(); ok {
		row.EMA50 = utils.Ptr(v)
	}
	if v, ok := s.ema200.Value(); ok {
		row.EMA200 = utils.Ptr(v)
	}
	if v, ok := s.atr14.Value(); ok {
		row.ATR14 = utils.Ptr(v)
	}
	if v, ok := s.atr50.Value(); ok {
		row.ATR50 = utils.Ptr(v)
	}
	if v, ok := s.macd.Line(); ok {
		row.MACDLine = utils.Ptr(v)
	}
	if v, ok := s.macd.Signal(); ok {
		row.MACDSignal = utils.Ptr(v)
	}
	if v, ok := s.macd.Hist(); ok {
		row.MACDHist = utils.Ptr(v)
	}

	s.prevClose = utils.Ptr(candle.Close)
	return row
}
