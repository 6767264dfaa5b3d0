package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/utils"
)

// PaperConfig configures the paper broker.
type PaperConfig struct {
	StartingBalance  decimal.Decimal `json:"starting_balance"`
	SpreadBps        float64         `json:"spread_bps"`
	SlippageBps      float64         `json:"slippage_bps"`
	CommissionPerLot decimal.Decimal `json:"commission_per_lot"`
	LotStep          decimal.Decimal `json:"lot_step"`
	MinVolume        decimal.Decimal `json:"min_volume"`
	MaxOrderVolume   decimal.Decimal `json:"max_order_volume"`
	ContractSize     decimal.Decimal `json:"contract_size"`
	MaxOpenPositions int             `json:"max_open_positions"`
}

// DefaultPaperConfig returns sensible defaults.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		StartingBalance:  decimal.NewFromInt(10000),
		SpreadBps:        2,
		SlippageBps:      1,
		CommissionPerLot: decimal.NewFromInt(7),
		LotStep:          decimal.NewFromFloat(0.01),
		MinVolume:        decimal.NewFromFloat(0.01),
		MaxOrderVolume:   decimal.NewFromInt(1),
		ContractSize:     decimal.NewFromInt(100000),
		MaxOpenPositions: 20,
	}
}

// paperPosition is the broker-side record of one open ticket.
type paperPosition struct {
	ticket    int64
	symbol    string
	side      types.PositionType
	volume    decimal.Decimal
	priceOpen float64
	stopLoss  *float64
	takeProf  *float64
	magic     int64
	comment   string
	openedAt  time.Time
}

// PaperBroker is an in-process broker with a decimal cash ledger. Prices are
// driven externally via SetPrice so runs stay deterministic.
type PaperBroker struct {
	logger *zap.Logger
	config PaperConfig

	mu         sync.RWMutex
	balance    decimal.Decimal
	realized   decimal.Decimal
	positions  map[int64]*paperPosition
	prices     map[string]float64
	nextTicket int64

	newsBlock     bool
	marketClosing bool
	riskBreached  bool
	now           func() time.Time
}

// NewPaperBroker creates a paper broker.
func NewPaperBroker(logger *zap.Logger, config PaperConfig) *PaperBroker {
	return &PaperBroker{
		logger:     logger.Named("paper_broker"),
		config:     config,
		balance:    config.StartingBalance,
		positions:  make(map[int64]*paperPosition),
		prices:     make(map[string]float64),
		nextTicket: 100000,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Used in tests.
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetPrice updates the mid price for a symbol.
func (p *PaperBroker) SetPrice(symbol string, mid float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = mid
}

// SetNewsBlock toggles the news window flag fed into the trading context.
func (p *PaperBroker) SetNewsBlock(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newsBlock = active
}

// SetMarketClosing toggles the market-close flag fed into the trading context.
func (p *PaperBroker) SetMarketClosing(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marketClosing = active
}

// SetRiskBreached toggles the broker-side risk flag fed into the trading context.
func (p *PaperBroker) SetRiskBreached(breached bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.riskBreached = breached
}

// Balance returns the current account balance.
func (p *PaperBroker) Balance() (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balance, nil
}

// sortedTicketsLocked returns the open tickets in ascending order. Callers
// hold at least the read lock.
func (p *PaperBroker) sortedTicketsLocked() []int64 {
	tickets := make([]int64, 0, len(p.positions))
	for ticket := range p.positions {
		tickets = append(tickets, ticket)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	return tickets
}

// OpenPositions lists every open position in ticket order.
func (p *PaperBroker) OpenPositions() ([]types.BrokerPosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.BrokerPosition, 0, len(p.positions))
	for _, ticket := range p.sortedTicketsLocked() {
		pos := p.positions[ticket]
		out = append(out, types.BrokerPosition{
			Ticket:     pos.ticket,
			Symbol:     pos.symbol,
			Type:       pos.side,
			Volume:     pos.volume,
			PriceOpen:  pos.priceOpen,
			StopLoss:   pos.stopLoss,
			TakeProfit: pos.takeProf,
			Magic:      pos.magic,
			Comment:    pos.comment,
			OpenedAt:   pos.openedAt,
		})
	}
	return out, nil
}

// SymbolPrice returns bid/ask derived from the last mid price and the
// configured spread.
func (p *PaperBroker) SymbolPrice(symbol string) (types.PriceQuote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quoteLocked(symbol)
}

func (p *PaperBroker) quoteLocked(symbol string) (types.PriceQuote, error) {
	mid, ok := p.prices[symbol]
	if !ok {
		return types.PriceQuote{}, fmt.Errorf("no price for symbol %s", symbol)
	}
	half := mid * p.config.SpreadBps / 10000 / 2
	return types.PriceQuote{Bid: mid - half, Ask: mid + half}, nil
}

// ClosePosition closes a position fully or partially at the current market
// price. The realised P&L is credited to the balance.
func (p *PaperBroker) ClosePosition(symbol string, ticket int64, volume *decimal.Decimal) (types.TradeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok || pos.symbol != symbol {
		return types.TradeResult{Retcode: 10013, Comment: "position not found"}, nil
	}

	closeVol := pos.volume
	if volume != nil {
		closeVol = utils.MinDecimal(*volume, pos.volume)
	}
	if closeVol.LessThanOrEqual(decimal.Zero) {
		return types.TradeResult{Retcode: 10014, Comment: "invalid close volume"}, nil
	}

	quote, err := p.quoteLocked(symbol)
	if err != nil {
		return types.TradeResult{Retcode: 10021, Comment: err.Error()}, nil
	}

	closePrice := closeFillPrice(quote, pos.side)

	profit := p.realizeLocked(pos, closeVol, closePrice)
	pos.volume = pos.volume.Sub(closeVol)
	if pos.volume.LessThan(p.config.MinVolume) {
		delete(p.positions, ticket)
	}

	p.logger.Debug("Position closed",
		zap.Int64("ticket", ticket),
		zap.String("volume", closeVol.String()),
		zap.String("profit", profit.String()),
	)

	return types.TradeResult{Retcode: types.RetcodeDone, Comment: "done"}, nil
}

// closeFillPrice picks the quote side a close fills on: the trade runs in
// the position's opposite direction, so a long sells the bid and a short
// buys the ask.
func closeFillPrice(quote types.PriceQuote, side types.PositionType) float64 {
	if side.Direction().Opposite() == types.DirectionShort {
		return quote.Bid
	}
	return quote.Ask
}

// realizeLocked books the direction-signed P&L for closeVol lots at price.
func (p *PaperBroker) realizeLocked(pos *paperPosition, closeVol decimal.Decimal, price float64) decimal.Decimal {
	move := decimal.NewFromFloat(price - pos.priceOpen)
	if pos.side == types.PositionTypeSell {
		move = move.Neg()
	}
	profit := move.Mul(closeVol).Mul(p.config.ContractSize)
	profit = profit.Sub(p.config.CommissionPerLot.Mul(closeVol))

	p.realized = p.realized.Add(profit)
	p.balance = p.balance.Add(profit)
	return profit
}

// ModifyPosition updates stop loss and/or take profit.
func (p *PaperBroker) ModifyPosition(symbol string, ticket int64, stopLoss, takeProfit *float64) (types.TradeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok || pos.symbol != symbol {
		return types.TradeResult{Retcode: 10013, Comment: "position not found"}, nil
	}

	if stopLoss != nil {
		pos.stopLoss = stopLoss
	}
	if takeProfit != nil {
		pos.takeProf = takeProfit
	}
	return types.TradeResult{Retcode: types.RetcodeDone, Comment: "done"}, nil
}

// CloseAllPositions force-closes every open position and returns the count.
func (p *PaperBroker) CloseAllPositions(reason string) (int, error) {
	p.mu.Lock()
	tickets := p.sortedTicketsLocked()
	symbols := make(map[int64]string, len(tickets))
	for _, t := range tickets {
		symbols[t] = p.positions[t].symbol
	}
	p.mu.Unlock()

	closed := 0
	for _, t := range tickets {
		res, err := p.ClosePosition(symbols[t], t, nil)
		if err == nil && res.OK() {
			closed++
		}
	}

	p.logger.Info("Closed all positions",
		zap.Int("count", closed),
		zap.String("reason", reason),
	)
	return closed, nil
}

// ExecuteTradingCycle gates the batch and, when authorized, fills entries at
// market (split over max_order_volume child tickets) and closes the positions
// matched by each exit.
func (p *PaperBroker) ExecuteTradingCycle(trades *types.Trades) (types.TradingContext, *types.ExecutionReport, error) {
	p.mu.Lock()
	ctx := types.TradingContext{
		NewsBlockActive:   p.newsBlock,
		MarketClosingSoon: p.marketClosing,
		RiskBreached:      p.riskBreached,
		TotalPnL:          p.realized,
	}
	tooMany := len(p.positions) >= p.config.MaxOpenPositions
	p.mu.Unlock()

	ctx.TradeAuthorized = !ctx.NewsBlockActive && !ctx.MarketClosingSoon && !ctx.RiskBreached && !tooMany
	if trades.IsEmpty() {
		return ctx, &types.ExecutionReport{}, nil
	}
	if !ctx.TradeAuthorized {
		return ctx, nil, nil
	}

	report := &types.ExecutionReport{}
	for _, entry := range trades.Entries {
		exec, err := p.fillEntry(entry)
		if err != nil {
			return ctx, report, fmt.Errorf("fill entry %s: %w", entry.StrategyName, err)
		}
		report.Entries = append(report.Entries, exec)
	}
	for _, exit := range trades.Exits {
		report.Exits = append(report.Exits, p.fillExit(exit))
	}
	return ctx, report, nil
}

// fillEntry opens the position(s) for one entry decision.
func (p *PaperBroker) fillEntry(entry types.EntryDecision) (types.EntryExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	quote, err := p.quoteLocked(entry.Symbol)
	if err != nil {
		return types.EntryExecution{}, err
	}

	slip := quote.Ask * p.config.SlippageBps / 10000
	price := quote.Ask + slip
	side := types.PositionTypeBuy
	if entry.Direction == types.DirectionShort {
		price = quote.Bid - slip
		side = types.PositionTypeSell
	}

	volume := utils.NormalizeVolume(entry.PositionSize, p.config.LotStep)
	if volume.LessThan(p.config.MinVolume) {
		return types.EntryExecution{}, fmt.Errorf("volume %s below minimum", volume)
	}

	exec := types.EntryExecution{Decision: entry, AvgPrice: price}
	remaining := volume
	for remaining.GreaterThan(decimal.Zero) {
		child := utils.MinDecimal(remaining, p.config.MaxOrderVolume)
		ticket := p.nextTicket
		p.nextTicket++

		var sl, tp *float64
		if entry.StopLoss.Level != 0 {
			sl = utils.Ptr(entry.StopLoss.Level)
		}
		if entry.TakeProfit.Level != 0 {
			tp = utils.Ptr(entry.TakeProfit.Level)
		}

		p.positions[ticket] = &paperPosition{
			ticket:    ticket,
			symbol:    entry.Symbol,
			side:      side,
			volume:    child,
			priceOpen: price,
			stopLoss:  sl,
			takeProf:  tp,
			magic:     entry.Magic,
			comment:   entry.StrategyName,
			openedAt:  p.now(),
		}

		exec.Tickets = append(exec.Tickets, ticket)
		exec.FilledVolume = exec.FilledVolume.Add(child)
		remaining = remaining.Sub(child)
	}
	return exec, nil
}

// fillExit closes every open position matching the exit's symbol, magic and
// direction.
func (p *PaperBroker) fillExit(exit types.ExitDecision) types.ExitExecution {
	p.mu.Lock()
	matched := make([]*paperPosition, 0, 2)
	for _, ticket := range p.sortedTicketsLocked() {
		pos := p.positions[ticket]
		if pos.symbol == exit.Symbol && pos.magic == exit.Magic && pos.side.Direction() == exit.Direction {
			matched = append(matched, pos)
		}
	}
	p.mu.Unlock()

	exec := types.ExitExecution{Decision: exit}
	for _, pos := range matched {
		p.mu.Lock()
		quote, err := p.quoteLocked(pos.symbol)
		if err != nil {
			p.mu.Unlock()
			continue
		}
		closePrice := closeFillPrice(quote, pos.side)
		vol := pos.volume
		profit := p.realizeLocked(pos, vol, closePrice)
		delete(p.positions, pos.ticket)
		p.mu.Unlock()

		exec.Closed = append(exec.Closed, types.ClosedPosition{
			Ticket:     pos.ticket,
			Volume:     vol,
			Profit:     profit,
			ClosePrice: closePrice,
		})
		exec.ClosedVolume = exec.ClosedVolume.Add(vol)
		exec.Profit = exec.Profit.Add(profit)
	}
	return exec
}
