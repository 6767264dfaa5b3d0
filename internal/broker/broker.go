// Package broker defines the adapter the engine trades through and ships a
// deterministic paper implementation for local runs and tests.
package broker

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

// ErrBrokerRejected is returned when the broker refuses an operation with a
// non-success retcode.
var ErrBrokerRejected = errors.New("broker rejected operation")

// Broker is the adapter surface the pipeline consumes. Implementations are
// expected to be safe for calls from the driver goroutine plus the risk
// guard's scheduler goroutine.
type Broker interface {
	// Balance returns the current account balance.
	Balance() (decimal.Decimal, error)

	// OpenPositions lists every open position on the account.
	OpenPositions() ([]types.BrokerPosition, error)

	// ClosePosition closes a position fully (volume nil) or partially.
	ClosePosition(symbol string, ticket int64, volume *decimal.Decimal) (types.TradeResult, error)

	// ModifyPosition updates the stop loss and/or take profit of a position.
	// Nil leaves the corresponding level untouched.
	ModifyPosition(symbol string, ticket int64, stopLoss, takeProfit *float64) (types.TradeResult, error)

	// SymbolPrice returns the current bid/ask for a symbol.
	SymbolPrice(symbol string) (types.PriceQuote, error)

	// ExecuteTradingCycle runs the broker-side gate over a batch and, when
	// authorized, fills its entries and exits.
	ExecuteTradingCycle(trades *types.Trades) (types.TradingContext, *types.ExecutionReport, error)

	// CloseAllPositions force-closes every open position. Used by the risk
	// guard on breach.
	CloseAllPositions(reason string) (int, error)
}
