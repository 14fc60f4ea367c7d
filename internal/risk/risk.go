// Package risk implements the margin, liquidation and PnL rules for leveraged
// positions.
//
// The model is a stylised single-maintenance-margin scheme:
//   - margin = amount · leverage / MarginDivisor
//   - a position is liquidated once the mark price crosses a fixed threshold
//     derived from leverage and the maintenance margin rate
//   - liquidation forfeits the whole margin, never more
//
// The pricing functions are pure decimal math over validated inputs and never
// fail; only input validation returns errors.
package risk

import (
	"fmt"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrStopLossSide   = fmt.Errorf("%w: stop-loss must be on the losing side of entry", model.ErrValidation)
	ErrTakeProfitSide = fmt.Errorf("%w: take-profit must be on the winning side of entry", model.ErrValidation)

	// MarginDivisor scales amount·leverage down to the reserved collateral.
	MarginDivisor = decimal.NewFromInt(10)

	// PriceScale is the number of decimal places liquidation prices are
	// rounded to.
	PriceScale int32 = 8
)

// ComputeMargin returns the collateral reserved for a position.
// Caller guarantees leverage > 0.
func ComputeMargin(amount decimal.Decimal, leverage int) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(leverage))).Div(MarginDivisor)
}

// ComputeLiquidationPrice returns the mark price at which the position is
// force-closed.
//
//	long:  entry · (1 − 1/leverage + mmr)
//	short: entry · (1 + 1/leverage − mmr)
//
// For leverage ≥ 1 and mmr ∈ [0,1) the result is strictly below entry for
// longs and strictly above entry for shorts.
func ComputeLiquidationPrice(entry decimal.Decimal, leverage int, side model.Side, mmr decimal.Decimal) decimal.Decimal {
	inv := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(leverage)), 16)
	var factor decimal.Decimal
	if side == model.SideShort {
		factor = decimal.NewFromInt(1).Add(inv).Sub(mmr)
	} else {
		factor = decimal.NewFromInt(1).Sub(inv).Add(mmr)
	}
	return entry.Mul(factor).Round(PriceScale)
}

// ComputePnL returns the mark-to-market profit of a position at current.
// Longs gain when price rises, shorts when it falls; the two are exact
// negatives of each other.
func ComputePnL(entry, current, amount decimal.Decimal, leverage int, side model.Side) decimal.Decimal {
	move := current.Sub(entry)
	if side == model.SideShort {
		move = move.Neg()
	}
	return move.Mul(amount).Mul(decimal.NewFromInt(int64(leverage)))
}

// IsLiquidated reports whether current has reached the liquidation price.
// The boundary counts as triggered.
func IsLiquidated(side model.Side, current, liquidationPrice decimal.Decimal) bool {
	if side == model.SideShort {
		return current.GreaterThanOrEqual(liquidationPrice)
	}
	return current.LessThanOrEqual(liquidationPrice)
}

// StopLossHit reports whether an optional stop-loss level has been reached.
func StopLossHit(side model.Side, current decimal.Decimal, stopLoss *decimal.Decimal) bool {
	if stopLoss == nil || stopLoss.IsZero() {
		return false
	}
	if side == model.SideShort {
		return current.GreaterThanOrEqual(*stopLoss)
	}
	return current.LessThanOrEqual(*stopLoss)
}

// TakeProfitHit reports whether an optional take-profit level has been reached.
func TakeProfitHit(side model.Side, current decimal.Decimal, takeProfit *decimal.Decimal) bool {
	if takeProfit == nil || takeProfit.IsZero() {
		return false
	}
	if side == model.SideShort {
		return current.LessThanOrEqual(*takeProfit)
	}
	return current.GreaterThanOrEqual(*takeProfit)
}

// Evaluate decides whether the engine must close p at current, and why.
// Liquidation takes precedence over stop-loss, which takes precedence over
// take-profit. ok is false when the position should stay open.
func Evaluate(p *model.Position, current decimal.Decimal) (reason model.CloseReason, ok bool) {
	switch {
	case IsLiquidated(p.Side, current, p.LiquidationPrice):
		return model.CloseLiquidation, true
	case StopLossHit(p.Side, current, p.StopLoss):
		return model.CloseStopLoss, true
	case TakeProfitHit(p.Side, current, p.TakeProfit):
		return model.CloseTakeProfit, true
	}
	return "", false
}

// SettlePnL returns the realized PnL booked when p is closed at current for
// reason. Liquidation always books exactly −margin.
func SettlePnL(p *model.Position, current decimal.Decimal, reason model.CloseReason) decimal.Decimal {
	if reason == model.CloseLiquidation {
		return p.Margin.Neg()
	}
	return ComputePnL(p.EntryPrice, current, p.Amount, p.Leverage, p.Side)
}

// ValidateProtectiveLevels checks that optional stop-loss and take-profit
// levels sit on the losing and winning side of entry respectively.
func ValidateProtectiveLevels(side model.Side, entry decimal.Decimal, stopLoss, takeProfit *decimal.Decimal) error {
	if stopLoss != nil {
		if !stopLoss.IsPositive() {
			return model.ErrInvalidPrice
		}
		if (side == model.SideLong && stopLoss.GreaterThanOrEqual(entry)) ||
			(side == model.SideShort && stopLoss.LessThanOrEqual(entry)) {
			return ErrStopLossSide
		}
	}
	if takeProfit != nil {
		if !takeProfit.IsPositive() {
			return model.ErrInvalidPrice
		}
		if (side == model.SideLong && takeProfit.LessThanOrEqual(entry)) ||
			(side == model.SideShort && takeProfit.GreaterThanOrEqual(entry)) {
			return ErrTakeProfitSide
		}
	}
	return nil
}
