// Package monitor tracks open positions against their take-profit ladders,
// firing partial closes and breakeven stop moves as levels are reached.
package monitor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/broker"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/service"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/utils"
)

// Monitor-specific counter names.
const (
	MetricPositionsTracked      = "positions_tracked"
	MetricTPLevelsHit           = "tp_levels_hit"
	MetricPartialClosesExecuted = "partial_closes_executed"
	MetricStopLossesMoved       = "stop_losses_moved"
	MetricCheckErrors           = "check_errors"
)

// ErrNotTracked is returned when a ticket has no tracker.
var ErrNotTracked = errors.New("position not tracked")

// Config configures the position monitor for one symbol.
type Config struct {
	Symbol          string          `json:"symbol"`
	BrokerMinVolume decimal.Decimal `json:"broker_min_volume"`
	LotStep         decimal.Decimal `json:"lot_step"`
	ContractSize    decimal.Decimal `json:"contract_size"`
}

// DefaultConfig returns sensible defaults for a symbol.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:          symbol,
		BrokerMinVolume: decimal.NewFromFloat(0.01),
		LotStep:         decimal.NewFromFloat(0.01),
		ContractSize:    decimal.NewFromInt(100000),
	}
}

// Tracker is the monitor's record of one managed position.
type Tracker struct {
	Ticket          int64            `json:"ticket"`
	Symbol          string           `json:"symbol"`
	Direction       types.Direction  `json:"direction"`
	InitialVolume   decimal.Decimal  `json:"initial_volume"`
	RemainingVolume decimal.Decimal  `json:"remaining_volume"`
	OpenPrice       float64          `json:"open_price"`
	StopLoss        *float64         `json:"stop_loss,omitempty"`
	TPTargets       []types.TPTarget `json:"tp_targets"`
	HitIndices      []int            `json:"hit_indices"`
	Magic           int64            `json:"magic"`
	GroupID         string           `json:"group_id"`
	Closed          bool             `json:"closed"`
}

// nextLevel returns the index of the next unhit TP level, or -1 when the
// ladder is exhausted. Levels are evaluated strictly in order.
func (t *Tracker) nextLevel() int {
	next := len(t.HitIndices)
	if next >= len(t.TPTargets) {
		return -1
	}
	return next
}

// Monitor reacts to executed trades by tracking their tickets and, on each
// driver tick, checks the next unhit ladder level per tracker. Trackers are
// read and mutated only from the driver goroutine.
type Monitor struct {
	*service.Base
	config Config
	broker broker.Broker
	store  TargetStore

	trackers map[int64]*Tracker
}

// NewMonitor creates a position monitor. A nil store falls back to the
// stateless NullStore.
func NewMonitor(logger *zap.Logger, bus *events.Bus, brk broker.Broker, store TargetStore, config Config) *Monitor {
	if store == nil {
		store = NullStore{}
	}
	return &Monitor{
		Base:     service.NewBase("position_monitor_"+config.Symbol, bus, logger),
		config:   config,
		broker:   brk,
		store:    store,
		trackers: make(map[int64]*Tracker),
	}
}

// Start subscribes to executed trades and restores trackers for positions
// already open at the broker, using persisted TP targets where available.
func (m *Monitor) Start() error {
	if err := m.MarkRunning(); err != nil {
		return err
	}

	m.restoreTrackers()
	m.Subscribe(events.EventTypeTradesExecuted, m.onTradesExecuted)
	return nil
}

// Stop transitions the monitor to stopped. Trackers are retained so a
// restart can resume from the store.
func (m *Monitor) Stop() {
	m.Shutdown()
}

// restoreTrackers rebuilds trackers from broker open positions plus the
// target store. Positions without stored targets are listed but not
// TP-managed.
func (m *Monitor) restoreTrackers() {
	positions, err := m.broker.OpenPositions()
	if err != nil {
		m.Logger().Warn("Open-position restore failed", zap.Error(err))
		return
	}

	restored := 0
	for _, pos := range positions {
		if pos.Symbol != m.config.Symbol {
			continue
		}
		if _, tracked := m.trackers[pos.Ticket]; tracked {
			continue
		}

		targets, err := m.store.Load(pos.Ticket)
		if err != nil {
			m.Logger().Warn("Target load failed",
				zap.Int64("ticket", pos.Ticket),
				zap.Error(err),
			)
			continue
		}
		if len(targets) == 0 {
			m.Logger().Info("Open position without stored targets, not TP-managed",
				zap.Int64("ticket", pos.Ticket),
			)
			continue
		}

		m.track(&Tracker{
			Ticket:          pos.Ticket,
			Symbol:          pos.Symbol,
			Direction:       pos.Type.Direction(),
			InitialVolume:   pos.Volume,
			RemainingVolume: pos.Volume,
			OpenPrice:       pos.PriceOpen,
			StopLoss:        pos.StopLoss,
			TPTargets:       targets,
			Magic:           pos.Magic,
		})
		restored++
	}

	if restored > 0 {
		m.Logger().Info("Trackers restored", zap.Int("count", restored))
	}
}

func (m *Monitor) onTradesExecuted(event events.Event) error {
	executed, ok := event.(*events.TradesExecutedEvent)
	if !ok || executed.Symbol != m.config.Symbol {
		return nil
	}

	for _, entry := range executed.Report.Entries {
		targets := entry.Decision.TakeProfit.Targets
		if len(targets) == 0 {
			continue
		}
		for _, ticket := range entry.Tickets {
			if err := m.trackTicket(ticket, entry, targets); err != nil {
				m.Logger().Warn("Tracking failed",
					zap.Int64("ticket", ticket),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

func (m *Monitor) trackTicket(ticket int64, entry types.EntryExecution, targets []types.TPTarget) error {
	pos, err := m.findPosition(ticket)
	if err != nil {
		return err
	}

	m.track(&Tracker{
		Ticket:          ticket,
		Symbol:          pos.Symbol,
		Direction:       pos.Type.Direction(),
		InitialVolume:   pos.Volume,
		RemainingVolume: pos.Volume,
		OpenPrice:       pos.PriceOpen,
		StopLoss:        pos.StopLoss,
		TPTargets:       targets,
		Magic:           pos.Magic,
		GroupID:         entry.GroupID,
	})

	if err := m.store.Save(ticket, targets); err != nil {
		m.Logger().Warn("Target persist failed",
			zap.Int64("ticket", ticket),
			zap.Error(err),
		)
	}
	return nil
}

func (m *Monitor) track(t *Tracker) {
	m.trackers[t.Ticket] = t
	m.IncCounter(MetricPositionsTracked)
	m.Logger().Info("Position tracked",
		zap.Int64("ticket", t.Ticket),
		zap.String("direction", string(t.Direction)),
		zap.String("volume", t.InitialVolume.String()),
		zap.Int("tp_levels", len(t.TPTargets)),
	)
}

func (m *Monitor) findPosition(ticket int64) (types.BrokerPosition, error) {
	positions, err := m.broker.OpenPositions()
	if err != nil {
		return types.BrokerPosition{}, err
	}
	for _, pos := range positions {
		if pos.Ticket == ticket {
			return pos, nil
		}
	}
	return types.BrokerPosition{}, fmt.Errorf("ticket %d not found at broker", ticket)
}

// CheckPositions evaluates the next unhit level of every active tracker
// against the current bid. Called by the orchestrator each tick. Broker
// failures leave the level unhit; the next tick retries.
func (m *Monitor) CheckPositions() {
	if len(m.trackers) == 0 {
		return
	}

	quote, err := m.broker.SymbolPrice(m.config.Symbol)
	if err != nil {
		m.RecordError(err)
		m.IncCounter(MetricCheckErrors)
		m.Logger().Warn("Price lookup failed", zap.Error(err))
		return
	}

	// Ticket order keeps the emitted event sequence stable across runs.
	for _, ticket := range m.sortedTickets() {
		t := m.trackers[ticket]
		if t.Closed {
			continue
		}
		if err := m.checkTracker(t, quote.Bid); err != nil {
			m.RecordError(err)
			m.IncCounter(MetricCheckErrors)
			m.Logger().Warn("Tracker check failed",
				zap.Int64("ticket", t.Ticket),
				zap.Error(err),
			)
			continue
		}
		m.ResetErrorStreak()
	}

	for _, ticket := range m.sortedTickets() {
		if m.trackers[ticket].Closed {
			delete(m.trackers, ticket)
		}
	}
}

// checkTracker evaluates only the next unhit level, so a price gap across
// multiple levels still consumes one level per tick.
func (m *Monitor) checkTracker(t *Tracker, price float64) error {
	i := t.nextLevel()
	if i < 0 {
		return nil
	}

	target := t.TPTargets[i]
	hit := price >= target.Level
	if t.Direction == types.DirectionShort {
		hit = price <= target.Level
	}
	if !hit {
		return nil
	}

	volumeToClose := m.closeVolume(t, target)

	m.IncCounter(MetricTPLevelsHit)
	m.Publish(events.NewTPLevelHitEvent(t.Symbol, t.Ticket, i, price, volumeToClose))

	result, err := m.broker.ClosePosition(t.Symbol, t.Ticket, &volumeToClose)
	if err != nil {
		return fmt.Errorf("close %s of ticket %d: %w", volumeToClose, t.Ticket, err)
	}
	if !result.OK() {
		return fmt.Errorf("close ticket %d: %w: retcode %d %s",
			t.Ticket, broker.ErrBrokerRejected, result.Retcode, result.Comment)
	}

	t.RemainingVolume = t.RemainingVolume.Sub(volumeToClose)
	t.HitIndices = append(t.HitIndices, i)

	profit := m.partialProfit(t, volumeToClose, price)
	m.IncCounter(MetricPartialClosesExecuted)
	m.Publish(events.NewPositionPartiallyClosedEvent(
		t.Symbol, t.Ticket, volumeToClose, t.RemainingVolume, price, profit, i,
	))
	m.Logger().Info("TP level hit",
		zap.Int64("ticket", t.Ticket),
		zap.Int("level", i),
		zap.Float64("price", price),
		zap.String("closed", volumeToClose.String()),
		zap.String("remaining", t.RemainingVolume.String()),
	)

	if target.MoveStop {
		m.moveStopToBreakeven(t)
	}

	// closeVolume never leaves a sub-minimum remainder, so zero means done.
	if t.RemainingVolume.LessThanOrEqual(decimal.Zero) {
		t.Closed = true
		if err := m.store.Delete(t.Ticket); err != nil {
			m.Logger().Warn("Target delete failed",
				zap.Int64("ticket", t.Ticket),
				zap.Error(err),
			)
		}
	}
	return nil
}

// closeVolume normalizes percent of the initial volume to the lot step,
// capped at the remaining volume. When the post-close remainder would fall
// below the broker minimum, the full remainder is closed instead.
func (m *Monitor) closeVolume(t *Tracker, target types.TPTarget) decimal.Decimal {
	raw := t.InitialVolume.Mul(decimal.NewFromFloat(target.Percent)).Div(decimal.NewFromInt(100))
	vol := utils.NormalizeVolume(raw, m.config.LotStep)
	vol = utils.MinDecimal(vol, t.RemainingVolume)

	if t.RemainingVolume.Sub(vol).LessThan(m.config.BrokerMinVolume) {
		vol = t.RemainingVolume
	}
	return vol
}

// partialProfit estimates the P&L of the closed slice from the open price,
// direction-signed and scaled by the contract size.
func (m *Monitor) partialProfit(t *Tracker, volume decimal.Decimal, price float64) decimal.Decimal {
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(t.OpenPrice))
	if t.Direction == types.DirectionShort {
		diff = diff.Neg()
	}
	return diff.Mul(volume).Mul(m.config.ContractSize)
}

func (m *Monitor) moveStopToBreakeven(t *Tracker) {
	oldLevel := 0.0
	if t.StopLoss != nil {
		oldLevel = *t.StopLoss
	}
	newLevel := t.OpenPrice

	result, err := m.broker.ModifyPosition(t.Symbol, t.Ticket, &newLevel, nil)
	if err != nil || !result.OK() {
		m.Logger().Warn("Breakeven move failed",
			zap.Int64("ticket", t.Ticket),
			zap.Error(err),
		)
		return
	}

	t.StopLoss = &newLevel
	m.IncCounter(MetricStopLossesMoved)
	m.Publish(events.NewStopLossMovedEvent(t.Symbol, t.Ticket, oldLevel, newLevel, "tp_hit"))
	m.Logger().Info("Stop moved to breakeven",
		zap.Int64("ticket", t.Ticket),
		zap.Float64("new_level", newLevel),
	)
}

// sortedTickets returns the tracked tickets in ascending order.
func (m *Monitor) sortedTickets() []int64 {
	tickets := make([]int64, 0, len(m.trackers))
	for ticket := range m.trackers {
		tickets = append(tickets, ticket)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	return tickets
}

// Trackers returns a snapshot copy of the active trackers in ticket order.
func (m *Monitor) Trackers() []Tracker {
	out := make([]Tracker, 0, len(m.trackers))
	for _, ticket := range m.sortedTickets() {
		out = append(out, *m.trackers[ticket])
	}
	return out
}

// Tracker returns a copy of one tracker.
func (m *Monitor) Tracker(ticket int64) (Tracker, error) {
	t, ok := m.trackers[ticket]
	if !ok {
		return Tracker{}, ErrNotTracked
	}
	return *t, nil
}
