// Package limits enforces the pre-trade rules an order must satisfy before
// any margin is reserved: minimum size, allowed leverage, tradable symbols
// and the per-user cap on concurrently open positions.
package limits

import (
	"fmt"
	"slices"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/shopspring/decimal"
)

// OrderLimiter holds the static trading limits from configuration.
type OrderLimiter struct {
	// MinTradeAmount is the smallest notional amount accepted by Open.
	MinTradeAmount decimal.Decimal

	// LeverageOptions is the fixed set of allowed leverage multipliers.
	LeverageOptions []int

	// MaxOpenPositions caps how many positions one user may hold open.
	MaxOpenPositions int

	// Symbols is the tradable instrument set, e.g. "BTC/USDT".
	Symbols []string
}

// NewOrderLimiter creates a limiter. A non-positive maxOpen disables the
// open-position cap.
func NewOrderLimiter(minAmount decimal.Decimal, leverage []int, maxOpen int, symbols []string) *OrderLimiter {
	return &OrderLimiter{
		MinTradeAmount:   minAmount,
		LeverageOptions:  slices.Clone(leverage),
		MaxOpenPositions: maxOpen,
		Symbols:          slices.Clone(symbols),
	}
}

// CheckOrder validates the static parameters of an order. It does not look
// at the user's balance or open positions.
func (l *OrderLimiter) CheckOrder(symbol string, side model.Side, leverage int, amount decimal.Decimal) error {
	if !side.Valid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidSide, side)
	}
	if !l.AllowsSymbol(symbol) {
		return fmt.Errorf("%w: %s", model.ErrUnknownSymbol, symbol)
	}
	if !slices.Contains(l.LeverageOptions, leverage) {
		return fmt.Errorf("%w: %dx (allowed %v)", model.ErrInvalidLeverage, leverage, l.LeverageOptions)
	}
	if amount.LessThan(l.MinTradeAmount) {
		return fmt.Errorf("%w: %s < %s", model.ErrBelowMinimum, amount, l.MinTradeAmount)
	}
	return nil
}

// CheckOpenCount rejects a new position when the user already holds the
// maximum number of open positions.
func (l *OrderLimiter) CheckOpenCount(open int) error {
	if l.MaxOpenPositions > 0 && open >= l.MaxOpenPositions {
		return fmt.Errorf("%w: %d of %d", model.ErrPositionLimitReached, open, l.MaxOpenPositions)
	}
	return nil
}

// AllowsSymbol reports whether symbol is tradable.
func (l *OrderLimiter) AllowsSymbol(symbol string) bool {
	return slices.Contains(l.Symbols, symbol)
}
