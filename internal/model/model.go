// Package model defines the core domain types shared across the trading game.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// TxKind classifies a ledger entry.
type TxKind string

const (
	TxDeposit     TxKind = "deposit"
	TxWithdrawal  TxKind = "withdrawal"
	TxTrade       TxKind = "trade"
	TxFee         TxKind = "fee"
	TxLiquidation TxKind = "liquidation"
)

// CloseReason records why a position left the open state.
type CloseReason string

const (
	CloseManual      CloseReason = "manual"
	CloseLiquidation CloseReason = "liquidation"
	CloseStopLoss    CloseReason = "stop_loss"
	CloseTakeProfit  CloseReason = "take_profit"
)

// Forced reports whether the close was initiated by the engine rather than
// the position owner.
func (r CloseReason) Forced() bool {
	return r != CloseManual
}

// User is a player account. Balance is never negative.
type User struct {
	ID            string          `json:"id" db:"id"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	TotalProfit   decimal.Decimal `json:"total_profit" db:"total_profit"`
	TotalTrades   int             `json:"total_trades" db:"total_trades"`
	WinningTrades int             `json:"winning_trades" db:"winning_trades"`
	WinRate       decimal.Decimal `json:"win_rate" db:"win_rate"` // 0-100
	Rank          int             `json:"rank" db:"rank"`         // 0 = unranked
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	LastActive    time.Time       `json:"last_active" db:"last_active"`
}

// Position is a leveraged exposure owned by exactly one user. It transitions
// open→closed exactly once; after that only derived read fields change.
type Position struct {
	ID               string           `json:"id" db:"id"`
	UserID           string           `json:"user_id" db:"user_id"`
	Symbol           string           `json:"symbol" db:"symbol"`
	Side             Side             `json:"side" db:"side"`
	EntryPrice       decimal.Decimal  `json:"entry_price" db:"entry_price"`
	CurrentPrice     decimal.Decimal  `json:"current_price" db:"current_price"`
	Amount           decimal.Decimal  `json:"amount" db:"amount"` // notional before leverage
	Leverage         int              `json:"leverage" db:"leverage"`
	Margin           decimal.Decimal  `json:"margin" db:"margin"`
	LiquidationPrice decimal.Decimal  `json:"liquidation_price" db:"liquidation_price"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl" db:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal  `json:"realized_pnl" db:"realized_pnl"`
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit       *decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`
	IsOpen           bool             `json:"is_open" db:"is_open"`
	CloseReason      CloseReason      `json:"close_reason,omitempty" db:"close_reason"`
	OpenedAt         time.Time        `json:"opened_at" db:"opened_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
}

// PositionClose carries the fields written by the open→closed transition.
type PositionClose struct {
	PositionID   string
	CurrentPrice decimal.Decimal
	RealizedPnL  decimal.Decimal
	Reason       CloseReason
	ClosedAt     time.Time
}

// Mark is a mark-to-market update for one open position.
type Mark struct {
	PositionID    string
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Transaction is an immutable, append-only ledger entry. Amount is the
// effective signed balance delta, so BalanceAfter = BalanceBefore + Amount.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	Seq           int64           `json:"seq" db:"seq"` // store-assigned creation order
	UserID        string          `json:"user_id" db:"user_id"`
	Kind          TxKind          `json:"kind" db:"kind"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Details       map[string]any  `json:"details,omitempty" db:"details"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// PriceTick is the latest known price for a symbol.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
	Synthetic bool            `json:"synthetic"`
}

// Candle is one OHLC bar.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// CloseEvent is emitted to notifiers when the engine closes a position.
type CloseEvent struct {
	UserID           string          `json:"user_id"`
	PositionID       string          `json:"position_id"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Leverage         int             `json:"leverage"`
	Reason           CloseReason     `json:"reason"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	ClosePrice       decimal.Decimal `json:"close_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Margin           decimal.Decimal `json:"margin"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	BalanceAfter     decimal.Decimal `json:"balance_after"`
	ClosedAt         time.Time       `json:"closed_at"`
}

// Portfolio aggregates a user's account state and open positions.
type Portfolio struct {
	UserID          string          `json:"user_id"`
	Balance         decimal.Decimal `json:"balance"`
	TotalProfit     decimal.Decimal `json:"total_profit"`
	WinRate         decimal.Decimal `json:"win_rate"`
	Rank            int             `json:"rank"`
	OpenPositions   int             `json:"open_positions"`
	TotalValue      decimal.Decimal `json:"total_value"` // Σ amount·price·leverage
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	TotalMargin     decimal.Decimal `json:"total_margin"`
	AverageLeverage decimal.Decimal `json:"average_leverage"`
	Positions       []Position      `json:"positions"`
}

// Standing is one leaderboard row.
type Standing struct {
	UserID      string          `json:"user_id"`
	Rank        int             `json:"rank"`
	Score       decimal.Decimal `json:"score"`
	TotalProfit decimal.Decimal `json:"total_profit"`
	WinRate     decimal.Decimal `json:"win_rate"`
	TotalTrades int             `json:"total_trades"`
}

// Stats is the operator overview of the whole game. Averages are rounded to
// two decimals and are zero when there is nothing to average.
type Stats struct {
	TotalUsers          int             `json:"total_users"`
	ActiveUsers         int             `json:"active_users"` // last_active within the window
	TotalPositions      int             `json:"total_positions"`
	OpenPositions       int             `json:"open_positions"`
	ClosedVolume        decimal.Decimal `json:"closed_volume"` // Σ amount·entry·leverage over closed positions
	TotalProfit         decimal.Decimal `json:"total_profit"`
	AverageBalance      decimal.Decimal `json:"average_balance"`
	AverageWinRate      decimal.Decimal `json:"average_win_rate"`
	AverageOpenLeverage decimal.Decimal `json:"average_open_leverage"`
	ActiveSince         time.Time       `json:"active_since"`
	GeneratedAt         time.Time       `json:"generated_at"`
}
