// Package indicators provides the incremental calculators behind the
// enrichment stage: EMA, Wilder smoothing, ATR, RSI, Bollinger width and
// MACD. Every calculator is fed one closed candle at a time and reports a
// value only once its warmup window has been satisfied, so no value ever
// looks ahead of the bars actually seen.
package indicators

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// EMA is an incremental exponential moving average.
type EMA struct {
	period int
	alpha  float64
	value  float64
	count  int
}

// NewEMA creates an EMA with alpha = 2/(period+1).
func NewEMA(period int) *EMA {
	return &EMA{
		period: period,
		alpha:  2.0 / (float64(period) + 1),
	}
}

// Update feeds one observation. The first observation initialises the
// average.
func (e *EMA) Update(x float64) {
	if e.count == 0 {
		e.value = x
	} else {
		e.value = e.alpha*x + (1-e.alpha)*e.value
	}
	e.count++
}

// Value returns the current average and whether the calculator has seen at
// least period observations.
func (e *EMA) Value() (float64, bool) {
	return e.value, e.count >= e.period
}

// Current returns the running average regardless of warmup.
func (e *EMA) Current() float64 { return e.value }

// Count returns the number of observations seen.
func (e *EMA) Count() int { return e.count }

// Wilder is an incremental Wilder smoothing average.
type Wilder struct {
	period int
	value  float64
	count  int
}

// NewWilder creates a Wilder smoother.
func NewWilder(period int) *Wilder {
	return &Wilder{period: period}
}

// Update feeds one observation. The first observation initialises the
// value; afterwards y = prev + (x-prev)/period.
func (w *Wilder) Update(x float64) {
	if w.count == 0 {
		w.value = x
	} else {
		w.value += (x - w.value) / float64(w.period)
	}
	w.count++
}

// Value returns the smoothed value and whether period observations have
// been seen.
func (w *Wilder) Value() (float64, bool) {
	return w.value, w.count >= w.period
}

// Current returns the running value regardless of warmup.
func (w *Wilder) Current() float64 { return w.value }

// ATR is an average true range over Wilder smoothing.
type ATR struct {
	smoother  *Wilder
	prevClose float64
	hasPrev   bool
}

// NewATR creates an ATR calculator.
func NewATR(period int) *ATR {
	return &ATR{smoother: NewWilder(period)}
}

// Update feeds one candle. Without a previous close the true range is
// high-low; otherwise the classical three-way maximum.
func (a *ATR) Update(high, low, close float64) {
	tr := high - low
	if a.hasPrev {
		tr = math.Max(tr, math.Max(
			math.Abs(high-a.prevClose),
			math.Abs(low-a.prevClose),
		))
	}
	a.smoother.Update(tr)
	a.prevClose = close
	a.hasPrev = true
}

// Value returns the current ATR and its availability.
func (a *ATR) Value() (float64, bool) {
	return a.smoother.Value()
}

// RSI is a Wilder-smoothed relative strength index.
type RSI struct {
	avgGain   *Wilder
	avgLoss   *Wilder
	prevClose float64
	hasPrev   bool
	value     float64
}

// NewRSI creates an RSI calculator.
func NewRSI(period int) *RSI {
	return &RSI{
		avgGain: NewWilder(period),
		avgLoss: NewWilder(period),
		value:   50,
	}
}

// Update feeds one close and returns the current RSI. The first bar has no
// previous close and reads 50. A zero average loss with positive average
// gain reads 100; both averages zero reads 50.
func (r *RSI) Update(close float64) float64 {
	if !r.hasPrev {
		r.hasPrev = true
		r.prevClose = close
		r.value = 50
		return r.value
	}

	change := close - r.prevClose
	r.prevClose = close

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}
	r.avgGain.Update(gain)
	r.avgLoss.Update(loss)

	ag := r.avgGain.Current()
	al := r.avgLoss.Current()

	switch {
	case al == 0 && ag > 0:
		r.value = 100
	case al == 0 && ag == 0:
		r.value = 50
	default:
		rs := ag / al
		r.value = 100 - 100/(1+rs)
	}
	return r.value
}

// Value returns the current RSI.
func (r *RSI) Value() float64 { return r.value }

// BollingerWidth tracks the normalized band width over the most recent
// closes: (upper-lower)/mean with bands at two sample standard deviations.
type BollingerWidth struct {
	window []float64
	size   int
	value  float64
}

// NewBollingerWidth creates a width calculator over at most size closes.
func NewBollingerWidth(size int) *BollingerWidth {
	return &BollingerWidth{size: size}
}

// Update feeds one close and returns the current width. Fewer than two
// closes, or a zero mean, read as width 0.
func (b *BollingerWidth) Update(close float64) float64 {
	b.window = append(b.window, close)
	if len(b.window) > b.size {
		b.window = b.window[len(b.window)-b.size:]
	}

	if len(b.window) < 2 {
		b.value = 0
		return b.value
	}

	mean := stat.Mean(b.window, nil)
	if mean == 0 {
		b.value = 0
		return b.value
	}

	sd := stat.StdDev(b.window, nil)
	upper := mean + 2*sd
	lower := mean - 2*sd
	b.value = (upper - lower) / mean
	return b.value
}

// Value returns the current width.
func (b *BollingerWidth) Value() float64 { return b.value }

// MACD tracks the moving average convergence/divergence line, its signal
// EMA and the histogram. The signal is fed only once both underlying EMAs
// are warm; the histogram appears on the same bar as the line, since the
// signal EMA seeds from its first input.
type MACD struct {
	fast    *EMA
	slow    *EMA
	signal  *EMA
	line    float64
	hasLine bool
}

// NewMACD creates a MACD calculator. The conventional setup is (12, 26, 9).
func NewMACD(fastPeriod, slowPeriod, signalPeriod int) *MACD {
	return &MACD{
		fast:   NewEMA(fastPeriod),
		slow:   NewEMA(slowPeriod),
		signal: NewEMA(signalPeriod),
	}
}

// Update feeds one close.
func (m *MACD) Update(close float64) {
	m.fast.Update(close)
	m.slow.Update(close)

	fv, fok := m.fast.Value()
	sv, sok := m.slow.Value()
	if fok && sok {
		m.line = fv - sv
		m.hasLine = true
		m.signal.Update(m.line)
	}
}

// Line returns the MACD line and its availability.
func (m *MACD) Line() (float64, bool) {
	return m.line, m.hasLine
}

// Signal returns the signal EMA and its availability.
func (m *MACD) Signal() (float64, bool) {
	return m.signal.Value()
}

// Hist returns line minus signal. It is available as soon as the signal
// EMA has seen an input, which happens on the bar the line first exists;
// callers must propagate the absence instead of substituting 0.
func (m *MACD) Hist() (float64, bool) {
	if !m.hasLine || m.signal.Count() < 1 {
		return 0, false
	}
	return m.line - m.signal.Current(), true
}
