// Package regime classifies the market state of a bar stream into a
// direction/volatility label and maintains the per-timeframe enrichment
// engine built on top of it. All computation is point-in-time: the output
// for a bar depends only on that bar and its predecessors.
package regime

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/indicators"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/utils"
)

// ClassifierConfig configures the point-in-time regime classifier.
type ClassifierConfig struct {
	// WarmupBars is the number of initial bars reported as warming_up.
	WarmupBars int `json:"warmup_bars"`
	// BBThresholdLen bounds the rolling Bollinger-width history used for
	// the expansion threshold.
	BBThresholdLen int `json:"bb_threshold_len"`
	// PersistBars is how many consecutive bars a new raw regime must be
	// observed before it commits.
	PersistBars int `json:"persist_bars"`
	// TransitionBars is how many bars after a commit carry is_transition.
	TransitionBars int `json:"transition_bars"`
	// ATRRatioThreshold is the atr14/atr50 ratio above which volatility is
	// labelled expansion.
	ATRRatioThreshold float64 `json:"atr_ratio_threshold"`
	// BBFallbackThreshold is used while the width history has at most one
	// entry.
	BBFallbackThreshold float64 `json:"bb_fallback_threshold"`
	// HTFMinutes enables the higher-timeframe bias when positive.
	HTFMinutes int `json:"htf_minutes"`
}

// DefaultClassifierConfig returns the standard classifier parameters.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		WarmupBars:          500,
		BBThresholdLen:      200,
		PersistBars:         2,
		TransitionBars:      3,
		ATRRatioThreshold:   1.1,
		BBFallbackThreshold: 0.04,
	}
}

// Snapshot is the classifier's verdict for one bar.
type Snapshot struct {
	Regime       types.Regime `json:"regime"`
	Confidence   float64      `json:"confidence"`
	IsTransition bool         `json:"is_transition"`
	// Raw is the unpersisted label computed for this bar.
	Raw types.Regime `json:"raw"`
	// Committed reports whether a regime change committed on this bar.
	Committed bool `json:"committed"`
	// WarmingUp reports whether the bar falls inside the warmup window.
	WarmingUp bool `json:"warming_up"`
}

// htfState is the PIT-safe higher-timeframe bias chain. Closes are bucketed
// by HTF period; a bucket's last close only feeds the EMAs once the next
// bucket has opened, so the bias never uses the forming HTF bar.
type htfState struct {
	seconds   int64
	bucket    int64
	haveBkt   bool
	lastClose float64

	ema12  *indicators.EMA
	ema26  *indicators.EMA
	ema200 *indicators.EMA
	signal *indicators.EMA

	fedClose float64
	hasFed   bool
}

func newHTFState(minutes int) *htfState {
	return &htfState{
		seconds: int64(minutes) * 60,
		ema12:   indicators.NewEMA(12),
		ema26:   indicators.NewEMA(26),
		ema200:  indicators.NewEMA(200),
		signal:  indicators.NewEMA(9),
	}
}

// update records a bar and, on a bucket flip, feeds the finished bucket's
// close into the HTF chain.
func (h *htfState) update(c types.Candle) {
	bkt := c.Time.Unix() / h.seconds
	if h.haveBkt && bkt != h.bucket {
		h.feed(h.lastClose)
	}
	h.bucket = bkt
	h.haveBkt = true
	h.lastClose = c.Close
}

func (h *htfState) feed(close float64) {
	h.ema12.Update(close)
	h.ema26.Update(close)
	h.ema200.Update(close)

	f, fok := h.ema12.Value()
	s, sok := h.ema26.Value()
	if fok && sok {
		h.signal.Update(f - s)
	}

	h.fedClose = close
	h.hasFed = true
}

// bias returns +1 bull, -1 bear, 0 neutral. Neutral while the HTF chain has
// not seen enough closed buckets.
func (h *htfState) bias() int {
	if !h.hasFed {
		return 0
	}
	e200, ok := h.ema200Value()
	if !ok {
		return 0
	}
	hist, ok := h.histValue()
	if !ok {
		return 0
	}
	switch {
	case h.fedClose > e200 && hist > 0:
		return 1
	case h.fedClose < e200 && hist < 0:
		return -1
	}
	return 0
}

func (h *htfState) ema200Value() (float64, bool) {
	return h.ema200.Value()
}

func (h *htfState) histValue() (float64, bool) {
	f, fok := h.ema12.Value()
	s, sok := h.ema26.Value()
	sig, gok := h.signal.Value()
	if !fok || !sok || !gok {
		return 0, false
	}
	return (f - s) - sig, true
}

// Classifier is the incremental point-in-time regime state machine for one
// bar stream. It owns its own indicator state, separate from the enrichment
// set, so regime classification happens first on each bar per the pipeline
// contract.
type Classifier struct {
	config ClassifierConfig

	set       *indicators.Set
	prevEMA20 *float64

	widthHist []float64

	barIndex      int
	committed     types.Regime
	pending       types.Regime
	pendingCount  int
	lastCommitBar int

	htf *htfState
}

// NewClassifier creates a classifier.
func NewClassifier(config ClassifierConfig) *Classifier {
	c := &Classifier{
		config:        config,
		set:           indicators.NewSet(),
		committed:     types.RegimeWarmingUp,
		lastCommitBar: -1,
	}
	if config.HTFMinutes > 0 {
		c.htf = newHTFState(config.HTFMinutes)
	}
	return c
}

// Committed returns the currently committed regime.
func (c *Classifier) Committed() types.Regime { return c.committed }

// Update feeds one closed bar and returns the snapshot for it.
func (c *Classifier) Update(candle types.Candle) Snapshot {
	bar := c.barIndex
	c.barIndex++

	row := c.set.Update(candle)

	threshold := c.bbThreshold()
	c.widthHist = append(c.widthHist, row.BBWidth)
	if len(c.widthHist) > c.config.BBThresholdLen {
		c.widthHist = c.widthHist[len(c.widthHist)-c.config.BBThresholdLen:]
	}

	if c.htf != nil {
		c.htf.update(candle)
	}

	score, totalWeight := c.directionScore(row)
	direction := 0
	if score > 0 {
		direction = 1
	} else if score < 0 {
		direction = -1
	}

	if c.htf != nil {
		if bias := c.htf.bias(); bias != 0 && direction != 0 && bias != direction {
			direction = 0
		}
	}

	expansion := c.isExpansion(row, threshold)
	raw := label(direction, expansion)

	confidence := 0.0
	if totalWeight > 0 {
		confidence = math.Min(1, math.Abs(score)/totalWeight)
	}

	committedNow := c.persist(raw, bar)

	if bar < c.config.WarmupBars {
		return Snapshot{
			Regime:    types.RegimeWarmingUp,
			Raw:       raw,
			Committed: committedNow,
			WarmingUp: true,
		}
	}

	isTransition := c.lastCommitBar >= 0 &&
		bar > c.lastCommitBar &&
		bar <= c.lastCommitBar+c.config.TransitionBars

	return Snapshot{
		Regime:       c.committed,
		Confidence:   confidence,
		IsTransition: isTransition,
		Raw:          raw,
		Committed:    committedNow,
	}
}

// bbThreshold is the 70th percentile of past-only widths, excluding the
// current bar. With at most one past entry the fallback constant applies.
func (c *Classifier) bbThreshold() float64 {
	if len(c.widthHist) <= 1 {
		return c.config.BBFallbackThreshold
	}
	sorted := make([]float64, len(c.widthHist))
	copy(sorted, c.widthHist)
	sort.Float64s(sorted)
	return stat.Quantile(0.70, stat.Empirical, sorted, nil)
}

// directionScore returns the weighted direction score and the total weight
// of the contributors that were actually available on this bar.
func (c *Classifier) directionScore(row types.EnrichedRow) (score, totalWeight float64) {
	close := row.Close

	emaVote := func(ema *float64, weight float64) {
		if ema == nil {
			return
		}
		totalWeight += weight
		if close > *ema {
			score += weight
		} else if close < *ema {
			score -= weight
		}
	}
	emaVote(row.EMA20, 1)
	emaVote(row.EMA50, 2)
	emaVote(row.EMA200, 3)

	totalWeight += 3
	switch {
	case row.RSI14 > 55:
		score += 2
	case row.RSI14 < 45:
		score -= 2
	}
	switch {
	case row.RSI14 > 70:
		score++
	case row.RSI14 < 30:
		score--
	}

	if row.MACDHist != nil {
		totalWeight += 2
		if *row.MACDHist > 0 {
			score += 2
		} else if *row.MACDHist < 0 {
			score -= 2
		}
	}

	if row.EMA20 != nil && c.prevEMA20 != nil {
		totalWeight++
		if *row.EMA20 > *c.prevEMA20 {
			score++
		} else if *row.EMA20 < *c.prevEMA20 {
			score--
		}
	}
	if row.EMA20 != nil {
		c.prevEMA20 = utils.Ptr(*row.EMA20)
	} else {
		c.prevEMA20 = nil
	}

	return score, totalWeight
}

// isExpansion labels volatility. The ATR ratio guards against an
// unavailable or zero ATR50 by falling back to 1.0.
func (c *Classifier) isExpansion(row types.EnrichedRow, bbThreshold float64) bool {
	ratio := 1.0
	if row.ATR14 != nil && row.ATR50 != nil && *row.ATR50 != 0 {
		ratio = *row.ATR14 / *row.ATR50
	}
	return ratio > c.config.ATRRatioThreshold || row.BBWidth > bbThreshold
}

// persist applies the persistence rule and reports whether a commit happened
// on this bar.
func (c *Classifier) persist(raw types.Regime, bar int) bool {
	if raw == c.committed {
		c.pending = ""
		c.pendingCount = 0
		return false
	}

	if raw == c.pending {
		c.pendingCount++
	} else {
		c.pending = raw
		c.pendingCount = 1
	}

	if c.pendingCount < c.config.PersistBars {
		return false
	}

	c.committed = raw
	c.pending = ""
	c.pendingCount = 0
	c.lastCommitBar = bar
	return true
}

func label(direction int, expansion bool) types.Regime {
	switch {
	case direction > 0 && expansion:
		return types.RegimeBullExpansion
	case direction > 0:
		return types.RegimeBullContraction
	case direction < 0 && expansion:
		return types.RegimeBearExpansion
	case direction < 0:
		return types.RegimeBearContraction
	case expansion:
		return types.RegimeNeutralExpansion
	default:
		return types.RegimeNeutralContraction
	}
}
